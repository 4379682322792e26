package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/durablerun/durable/internal/durablerr"
)

// Notification channel names, matching spec §6's wire contract exactly.
const (
	ChannelTask            = "durable:task"
	ChannelTaskSuspend     = "durable:task-suspend"
	ChannelTaskComplete    = "durable:task-complete"
	ChannelNotification    = "durable:notification"
	ChannelWorker          = "durable:worker"
	ChannelLog             = "durable:log"
)

// RawNotification is one payload as delivered by Postgres, before the
// Event Source parses its JSON body into a typed event.
type RawNotification struct {
	Channel string
	Payload string
}

// ListenConn is a dedicated, non-pooled connection used only for
// LISTEN/WaitForNotification, separate from the pool used for queries —
// a pooled connection cannot safely carry a long-lived LISTEN session.
type ListenConn struct {
	conn *pgx.Conn
}

// Listen opens a dedicated connection and issues LISTEN for every channel
// spec §4.1 names.
func (p *Postgres) Listen(ctx context.Context) (*ListenConn, error) {
	conn, err := pgx.Connect(ctx, p.databaseURL)
	if err != nil {
		return nil, translate("store.Listen", err)
	}
	for _, ch := range []string{ChannelTask, ChannelTaskSuspend, ChannelTaskComplete, ChannelNotification, ChannelWorker, ChannelLog} {
		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %q", ch)); err != nil {
			conn.Close(ctx)
			return nil, translate("store.Listen", err)
		}
	}
	return &ListenConn{conn: conn}, nil
}

// WaitForNotification blocks until the next notification arrives or ctx
// is done. Connection loss surfaces as durablerr.KindStoreUnavailable,
// which callers (the Event Source) treat as grounds to emit Lagged and
// reconnect.
func (l *ListenConn) WaitForNotification(ctx context.Context) (RawNotification, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return RawNotification{}, ctx.Err()
		}
		return RawNotification{}, durablerr.New(durablerr.KindStoreUnavailable, "store.WaitForNotification", err)
	}
	return RawNotification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (l *ListenConn) Close(ctx context.Context) {
	l.conn.Close(ctx)
}
