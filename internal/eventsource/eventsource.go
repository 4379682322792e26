// Package eventsource wraps the store's LISTEN connection into a lazy,
// restartable sequence of typed events (spec §4.2). The worker loop's
// dispatch sub-loop is its only consumer, and it falls back to a
// conservative re-scan whenever a Lagged event signals dropped messages;
// the other sub-loops run on timers.
package eventsource

import (
	"context"
	"encoding/json"

	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/store"
)

// Kind identifies the type of a Event value below.
type Kind string

const (
	KindTaskReady            Kind = "task_ready"
	KindTaskSuspended        Kind = "task_suspended"
	KindTaskCompleted        Kind = "task_completed"
	KindNotificationArrived  Kind = "notification_arrived"
	KindWorkerChanged        Kind = "worker_changed"
	KindLogAppended          Kind = "log_appended"
	KindLagged               Kind = "lagged"
)

// Event is the typed value delivered to loop consumers. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind      Kind
	TaskID    int64
	RunningOn *int64
	State     string
	WorkerID  int64
	Index     int64
	NotifyEvt string
}

type taskPayload struct {
	ID        int64  `json:"id"`
	RunningOn *int64 `json:"running_on"`
}
type taskSuspendPayload struct {
	ID int64 `json:"id"`
}
type taskCompletePayload struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
}
type notificationPayload struct {
	TaskID int64  `json:"task_id"`
	Event  string `json:"event"`
}
type workerPayload struct {
	WorkerID int64 `json:"worker_id"`
}
type logPayload struct {
	TaskID int64 `json:"task_id"`
	Index  int64 `json:"index"`
}

// Source produces a channel of Event, reconnecting transparently on
// connection loss and emitting a KindLagged sentinel whenever it does —
// the consuming loop must then re-scan its own tables rather than trust
// the stream continued uninterrupted (spec §4.2).
type Source struct {
	pg  *pgListenable
	log *logging.Logger
}

// New wraps a store.Postgres (the only implementation able to Listen) in
// a Source. Other store.Store implementations (the in-memory fake) have
// no channel to listen on; tests drive loops directly instead.
func New(pg *pgListenable, log *logging.Logger) *Source {
	return &Source{pg: pg, log: log.With("component", "eventsource.Source")}
}

// pgListenable is the minimal Postgres surface Source needs; defined here
// (rather than importing store.Postgres's concrete type as a field) to
// keep the dependency direction one-way and make substitution in tests
// straightforward.
type pgListenable = store.Postgres

// Run streams events onto the returned channel until ctx is canceled. The
// channel is closed on return. Reconnection follows the same
// forwarder-goroutine shape the teacher uses for its Redis subscriber,
// adapted from Subscribe+Receive to LISTEN+WaitForNotification.
func (s *Source) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			conn, err := s.pg.Listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("listen failed, retrying", "error", err)
				select {
				case <-ctx.Done():
					return
				case out <- Event{Kind: KindLagged}:
				}
				continue
			}
			s.drain(ctx, conn, out)
			conn.Close(ctx)
			if ctx.Err() != nil {
				return
			}
			// Connection dropped mid-stream: downstream loops must
			// re-scan, since notifications in flight during the gap
			// are lost.
			select {
			case <-ctx.Done():
				return
			case out <- Event{Kind: KindLagged}:
			}
		}
	}()
	return out
}

func (s *Source) drain(ctx context.Context, conn *store.ListenConn, out chan<- Event) {
	for {
		raw, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("notification wait failed", "error", err)
			}
			return
		}
		ev, ok := parse(raw)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- ev:
		}
	}
}

func parse(raw store.RawNotification) (Event, bool) {
	switch raw.Channel {
	case store.ChannelTask:
		var p taskPayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindTaskReady, TaskID: p.ID, RunningOn: p.RunningOn}, true
	case store.ChannelTaskSuspend:
		var p taskSuspendPayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindTaskSuspended, TaskID: p.ID}, true
	case store.ChannelTaskComplete:
		var p taskCompletePayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindTaskCompleted, TaskID: p.ID, State: p.State}, true
	case store.ChannelNotification:
		var p notificationPayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindNotificationArrived, TaskID: p.TaskID, NotifyEvt: p.Event}, true
	case store.ChannelWorker:
		var p workerPayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindWorkerChanged, WorkerID: p.WorkerID}, true
	case store.ChannelLog:
		var p logPayload
		if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: KindLogAppended, TaskID: p.TaskID, Index: p.Index}, true
	default:
		return Event{}, false
	}
}
