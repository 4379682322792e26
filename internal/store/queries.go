package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/model"
)

func (p *Postgres) RegisterWorker(ctx context.Context) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `INSERT INTO worker DEFAULT VALUES RETURNING id`).Scan(&id)
	if err != nil {
		return 0, translate("store.RegisterWorker", err)
	}
	return id, nil
}

func (p *Postgres) Heartbeat(ctx context.Context, workerID int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE worker SET heartbeat_at = now() WHERE id = $1`, workerID)
	if err != nil {
		return translate("store.Heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return durablerr.New(durablerr.KindNotFound, "store.Heartbeat", nil)
	}
	return nil
}

func (p *Postgres) SweepDeadWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	tag, err := p.pool.Exec(ctx, `DELETE FROM worker WHERE heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, translate("store.SweepDeadWorkers", err)
	}
	// task.running_on is ON DELETE SET NULL, so releasing held tasks is
	// automatic; the task's state is left active, making it reclaimable
	// by ClaimReadyTasks.
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) FindLeader(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	var id int64
	err := p.pool.QueryRow(ctx, `
		SELECT id FROM worker WHERE heartbeat_at > $1 ORDER BY id ASC LIMIT 1
	`, cutoff).Scan(&id)
	if err != nil {
		return 0, translate("store.FindLeader", err)
	}
	return id, nil
}

func (p *Postgres) DeregisterWorker(ctx context.Context, workerID int64) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM worker WHERE id = $1`, workerID); err != nil {
		return translate("store.DeregisterWorker", err)
	}
	return nil
}

func (p *Postgres) ClaimReadyTasks(ctx context.Context, workerID int64, limit int) ([]model.ClaimedTask, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, translate("store.ClaimReadyTasks", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, name, wasm_id, data, created_at
		FROM task
		WHERE state = 'active' AND running_on IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR NO KEY UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, translate("store.ClaimReadyTasks", err)
	}

	var claimed []model.ClaimedTask
	var ids []int64
	for rows.Next() {
		var t model.ClaimedTask
		if err := rows.Scan(&t.ID, &t.Name, &t.WasmID, &t.Data, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, translate("store.ClaimReadyTasks", err)
		}
		claimed = append(claimed, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("store.ClaimReadyTasks", err)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE task SET running_on = $1 WHERE id = ANY($2)`, workerID, ids); err != nil {
			return nil, translate("store.ClaimReadyTasks", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translate("store.ClaimReadyTasks", err)
	}
	return claimed, nil
}

func (p *Postgres) LoadEvents(ctx context.Context, taskID int64) ([]model.Event, error) {
	rows, err := p.pool.Query(ctx, `SELECT task_id, index, label, value FROM event WHERE task_id = $1 ORDER BY index ASC`, taskID)
	if err != nil {
		return nil, translate("store.LoadEvents", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.TaskID, &e.Index, &e.Label, &e.Value); err != nil {
			return nil, translate("store.LoadEvents", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("store.LoadEvents", err)
	}
	return events, nil
}

// AppendEvent runs body under ownership guard, then inserts its value as
// the next event for the task, all inside one transaction — both commit
// atomically or neither does (spec §4.5's "kind = database" guarantee;
// for kind = regular, body simply ignores the tx argument).
func (p *Postgres) AppendEvent(ctx context.Context, workerID, taskID int64, label string, kind model.TransactionKind, body func(ctx context.Context, tx DBTX) ([]byte, error)) (model.Event, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Event{}, translate("store.AppendEvent", err)
	}
	defer tx.Rollback(ctx)

	var owned bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task WHERE id = $1 AND running_on = $2 FOR NO KEY UPDATE)`, taskID, workerID).Scan(&owned)
	if err != nil {
		return model.Event{}, translate("store.AppendEvent", err)
	}
	if !owned {
		return model.Event{}, durablerr.New(durablerr.KindTaskStolen, "store.AppendEvent", nil)
	}

	var value []byte
	if body != nil {
		value, err = body(ctx, pgxDBTX{tx})
		if err != nil {
			return model.Event{}, err
		}
	}

	var index int64
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(index), -1) + 1 FROM event WHERE task_id = $1`, taskID).Scan(&index)
	if err != nil {
		return model.Event{}, translate("store.AppendEvent", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO event (task_id, index, label, value) VALUES ($1, $2, $3, $4)`, taskID, index, label, json.RawMessage(value)); err != nil {
		return model.Event{}, translate("store.AppendEvent", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, translate("store.AppendEvent", err)
	}

	return model.Event{TaskID: taskID, Index: index, Label: label, Value: value}, nil
}

func (p *Postgres) Suspend(ctx context.Context, workerID, taskID int64, wakeupAt *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task SET state = 'suspended', running_on = NULL, wakeup_at = $3
		WHERE id = $1 AND running_on = $2
	`, taskID, workerID, wakeupAt)
	if err != nil {
		return translate("store.Suspend", err)
	}
	if tag.RowsAffected() == 0 {
		return durablerr.New(durablerr.KindTaskStolen, "store.Suspend", nil)
	}
	return nil
}

func (p *Postgres) WakeDueTasks(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task SET state = 'active', wakeup_at = NULL
		WHERE state = 'suspended' AND wakeup_at IS NOT NULL AND wakeup_at <= now()
	`)
	if err != nil {
		return 0, translate("store.WakeDueTasks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) WakeStuckNotified(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task SET state = 'active', wakeup_at = NULL
		WHERE state = 'suspended'
		  AND EXISTS (SELECT 1 FROM notification n WHERE n.task_id = task.id AND NOT n.consumed)
	`)
	if err != nil {
		return 0, translate("store.WakeStuckNotified", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Complete(ctx context.Context, workerID, taskID int64, state model.TaskState) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE task SET state = $3, running_on = NULL, wasm_id = NULL, completed_at = now()
		WHERE id = $1 AND running_on = $2
	`, taskID, workerID, state)
	if err != nil {
		return translate("store.Complete", err)
	}
	if tag.RowsAffected() == 0 {
		return durablerr.New(durablerr.KindTaskStolen, "store.Complete", nil)
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, workerID, taskID int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE task SET running_on = NULL WHERE id = $1 AND running_on = $2`, taskID, workerID)
	if err != nil {
		return translate("store.Release", err)
	}
	return nil
}

// EnqueueNotification inserts a notification row and, if the target task
// is suspended, re-activates it so notify_call's waiting call isn't left
// stranded until the next stuck-notify sweep (spec §4.1). running_on is
// left NULL on re-activation rather than assigned a worker here, matching
// WakeDueTasks' ready encoding (see DESIGN.md).
func (p *Postgres) EnqueueNotification(ctx context.Context, taskID int64, event string, data []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return translate("store.EnqueueNotification", err)
	}
	defer tx.Rollback(ctx)

	var state model.TaskState
	err = tx.QueryRow(ctx, `SELECT state FROM task WHERE id = $1 FOR NO KEY UPDATE`, taskID).Scan(&state)
	if err != nil {
		return translate("store.EnqueueNotification", err)
	}
	if state == model.TaskComplete || state == model.TaskFailed {
		return durablerr.New(durablerr.KindTaskDead, "store.EnqueueNotification", nil)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO notification (task_id, event, data) VALUES ($1, $2, $3)`, taskID, event, json.RawMessage(data)); err != nil {
		return translate("store.EnqueueNotification", err)
	}

	if state == model.TaskSuspended {
		if _, err := tx.Exec(ctx, `UPDATE task SET state = 'active', wakeup_at = NULL WHERE id = $1`, taskID); err != nil {
			return translate("store.EnqueueNotification", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translate("store.EnqueueNotification", err)
	}
	return nil
}

func (p *Postgres) FetchNextNotification(ctx context.Context, taskID int64) (model.Notification, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Notification{}, translate("store.FetchNextNotification", err)
	}
	defer tx.Rollback(ctx)

	var n model.Notification
	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id, task_id, created_at, event, data FROM notification
		WHERE task_id = $1 AND NOT consumed
		ORDER BY created_at ASC
		LIMIT 1
		FOR NO KEY UPDATE SKIP LOCKED
	`, taskID).Scan(&id, &n.TaskID, &n.CreatedAt, &n.Event, &n.Data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Notification{}, durablerr.New(durablerr.KindNotFound, "store.FetchNextNotification", err)
		}
		return model.Notification{}, translate("store.FetchNextNotification", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE notification SET consumed = true WHERE id = $1`, id); err != nil {
		return model.Notification{}, translate("store.FetchNextNotification", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Notification{}, translate("store.FetchNextNotification", err)
	}
	return n, nil
}

func (p *Postgres) GetOrRegisterWasm(ctx context.Context, hash string, bytes []byte, name *string) (model.Wasm, error) {
	var w model.Wasm
	err := p.pool.QueryRow(ctx, `
		INSERT INTO wasm (hash, bytes, name) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO UPDATE SET last_used = now()
		RETURNING id, hash, bytes, name, last_used
	`, hash, bytes, name).Scan(&w.ID, &w.Hash, &w.Bytes, &w.Name, &w.LastUsed)
	if err != nil {
		return model.Wasm{}, translate("store.GetOrRegisterWasm", err)
	}
	return w, nil
}

func (p *Postgres) LoadWasm(ctx context.Context, id int64) (model.Wasm, error) {
	var w model.Wasm
	err := p.pool.QueryRow(ctx, `SELECT id, hash, bytes, name, last_used FROM wasm WHERE id = $1`, id).Scan(&w.ID, &w.Hash, &w.Bytes, &w.Name, &w.LastUsed)
	if err != nil {
		return model.Wasm{}, translate("store.LoadWasm", err)
	}
	return w, nil
}

func (p *Postgres) AppendLog(ctx context.Context, taskID int64, message string) (model.LogLine, error) {
	var l model.LogLine
	l.TaskID = taskID
	l.Message = message
	err := p.pool.QueryRow(ctx, `
		INSERT INTO log (task_id, index, message)
		VALUES ($1, (SELECT COALESCE(MAX(index), -1) + 1 FROM log WHERE task_id = $1), $2)
		RETURNING index
	`, taskID, message).Scan(&l.Index)
	if err != nil {
		return model.LogLine{}, translate("store.AppendLog", err)
	}
	return l, nil
}

func (p *Postgres) CleanupTerminalTasks(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := p.pool.Exec(ctx, `DELETE FROM task WHERE state IN ('complete', 'failed') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, translate("store.CleanupTerminalTasks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CleanupUnusedWasm(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM wasm
		WHERE last_used < $1 AND NOT EXISTS (SELECT 1 FROM task WHERE task.wasm_id = wasm.id)
	`, cutoff)
	if err != nil {
		return 0, translate("store.CleanupUnusedWasm", err)
	}
	return int(tag.RowsAffected()), nil
}

// pgxDBTX adapts a *pgx.Tx to the narrow DBTX surface the sql host plugin
// uses, so guest queries run inside AppendEvent's transaction.
type pgxDBTX struct {
	tx pgx.Tx
}

func (d pgxDBTX) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := d.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("store.DBTX.Query", err)
	}
	return pgxRows{rows}, nil
}

func (d pgxDBTX) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := d.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, translate("store.DBTX.Exec", err)
	}
	return tag.RowsAffected(), nil
}

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool                          { return r.rows.Next() }
func (r pgxRows) Values() ([]interface{}, error)      { return r.rows.Values() }
func (r pgxRows) Err() error                          { return r.rows.Err() }
func (r pgxRows) Close()                              { r.rows.Close() }
