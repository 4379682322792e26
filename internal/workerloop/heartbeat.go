package workerloop

import (
	"context"
	"time"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/entropy"
)

// jitterSigned reads one byte from src and maps it onto [-0.1, 0.1], so
// heartbeat_interval * (1 + jitterSigned(...)) lands in the ±0.1 band
// spec.md §4.3's heartbeat loop calls for (average period unchanged).
func jitterSigned(src entropy.Source) float64 {
	var b [1]byte
	if _, err := src.Read(b[:]); err != nil {
		return 0
	}
	return (float64(b[0])/255.0)*0.2 - 0.1
}

// runHeartbeat sleeps heartbeat_interval * (1 ± jitter) and writes the
// worker's heartbeat row. A missing row (durablerr.KindHeartbeatLost) is
// fatal — the worker believes itself dead and the whole Loop shuts down.
func (l *Loop) runHeartbeat(ctx context.Context) error {
	for {
		interval := time.Duration(float64(l.shared.Config.HeartbeatInterval) * (1 + jitterSigned(l.shared.Entropy)))
		if interval <= 0 {
			interval = l.shared.Config.HeartbeatInterval
		}

		if err := l.shared.Clock.Sleep(ctx, interval); err != nil {
			return nil // context canceled: normal shutdown
		}

		if err := l.shared.Store.Heartbeat(ctx, l.shared.WorkerID); err != nil {
			if durablerr.KindOf(err) == durablerr.KindNotFound {
				l.log.Error("heartbeat row missing, worker considers itself dead")
				return durablerr.New(durablerr.KindHeartbeatLost, "workerloop.heartbeat", err)
			}
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("heartbeat write failed, retrying", "error", err)
				continue
			}
			return err
		}
	}
}
