package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/durablerun/durable/internal/logging"
)

// Postgres is the production Store: raw SQL over a pgxpool.Pool, matching
// spec §6's wire contract exactly (table/column names, task_state enum
// values, channel payload shapes).
type Postgres struct {
	pool        *pgxpool.Pool
	databaseURL string
	log         *logging.Logger
}

// NewPostgres connects to databaseURL and, if migrate is true, bootstraps
// the schema (tables, triggers, channels) before returning.
func NewPostgres(ctx context.Context, databaseURL string, migrate bool, log *logging.Logger) (*Postgres, error) {
	poolLog := log.With("component", "store.Postgres")

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	p := &Postgres{pool: pool, databaseURL: databaseURL, log: poolLog}

	if migrate {
		if err := p.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}

	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// migrate bootstraps the seven-table schema, the task_state enum, the
// six NOTIFY channels, and the six triggers that publish them (spec
// §6). Idempotent: every statement uses IF NOT EXISTS / OR REPLACE.
func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

const schemaSQL = `
DO $$ BEGIN
	CREATE TYPE task_state AS ENUM ('active', 'suspended', 'complete', 'failed');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

CREATE TABLE IF NOT EXISTS worker (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wasm (
	id        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	hash      TEXT NOT NULL UNIQUE,
	bytes     BYTEA NOT NULL,
	name      TEXT,
	last_used TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name         TEXT NOT NULL,
	state        task_state NOT NULL DEFAULT 'active',
	running_on   BIGINT REFERENCES worker(id) ON DELETE SET NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	wakeup_at    TIMESTAMPTZ,
	wasm_id      BIGINT REFERENCES wasm(id),
	data         JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS task_ready_idx ON task (id) WHERE state = 'active' AND running_on IS NULL;
CREATE INDEX IF NOT EXISTS task_wakeup_idx ON task (wakeup_at) WHERE state = 'suspended';
CREATE INDEX IF NOT EXISTS task_running_on_idx ON task (running_on);

CREATE TABLE IF NOT EXISTS event (
	task_id BIGINT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	index   BIGINT NOT NULL,
	label   TEXT NOT NULL,
	value   JSONB NOT NULL,
	PRIMARY KEY (task_id, index)
);

CREATE TABLE IF NOT EXISTS notification (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	task_id    BIGINT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	event      TEXT NOT NULL,
	data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	consumed   BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS notification_pending_idx ON notification (task_id, created_at) WHERE NOT consumed;

CREATE TABLE IF NOT EXISTS log (
	task_id BIGINT NOT NULL REFERENCES task(id) ON DELETE CASCADE,
	index   BIGINT NOT NULL,
	message TEXT NOT NULL,
	PRIMARY KEY (task_id, index)
);

CREATE OR REPLACE FUNCTION durable_notify_task() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('durable:task', json_build_object('id', NEW.id, 'running_on', NEW.running_on)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_task_trg ON task;
CREATE TRIGGER durable_task_trg
	AFTER INSERT OR UPDATE OF running_on ON task
	FOR EACH ROW
	WHEN (NEW.state = 'active')
	EXECUTE FUNCTION durable_notify_task();

CREATE OR REPLACE FUNCTION durable_notify_task_suspend() RETURNS trigger AS $$
BEGIN
	IF NEW.state = 'suspended' AND OLD.state IS DISTINCT FROM 'suspended' THEN
		PERFORM pg_notify('durable:task-suspend', json_build_object('id', NEW.id)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_task_suspend_trg ON task;
CREATE TRIGGER durable_task_suspend_trg
	AFTER UPDATE OF state ON task
	FOR EACH ROW
	EXECUTE FUNCTION durable_notify_task_suspend();

CREATE OR REPLACE FUNCTION durable_notify_task_complete() RETURNS trigger AS $$
BEGIN
	IF NEW.state IN ('complete', 'failed') AND OLD.state IS DISTINCT FROM NEW.state THEN
		PERFORM pg_notify('durable:task-complete', json_build_object('id', NEW.id, 'state', NEW.state)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_task_complete_trg ON task;
CREATE TRIGGER durable_task_complete_trg
	AFTER UPDATE OF state ON task
	FOR EACH ROW
	EXECUTE FUNCTION durable_notify_task_complete();

CREATE OR REPLACE FUNCTION durable_notify_notification() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('durable:notification', json_build_object('task_id', NEW.task_id, 'event', NEW.event)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_notification_trg ON notification;
CREATE TRIGGER durable_notification_trg
	AFTER INSERT ON notification
	FOR EACH ROW
	EXECUTE FUNCTION durable_notify_notification();

CREATE OR REPLACE FUNCTION durable_notify_worker() RETURNS trigger AS $$
DECLARE
	wid BIGINT;
BEGIN
	wid := COALESCE(NEW.id, OLD.id);
	PERFORM pg_notify('durable:worker', json_build_object('worker_id', wid)::text);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_worker_trg ON worker;
CREATE TRIGGER durable_worker_trg
	AFTER INSERT OR DELETE ON worker
	FOR EACH ROW
	EXECUTE FUNCTION durable_notify_worker();

CREATE OR REPLACE FUNCTION durable_notify_log() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('durable:log', json_build_object('task_id', NEW.task_id, 'index', NEW.index)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS durable_log_trg ON log;
CREATE TRIGGER durable_log_trg
	AFTER INSERT ON log
	FOR EACH ROW
	EXECUTE FUNCTION durable_notify_log();
`
