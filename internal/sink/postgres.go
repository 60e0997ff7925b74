package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS proxy_logs (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE,
	client_address TEXT NOT NULL,
	destination_address TEXT,
	destination_port INTEGER,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	connection_duration_ms BIGINT,
	throughput_kbps DOUBLE PRECISION,
	status TEXT NOT NULL,
	error_message TEXT
)`

const createSQL = `INSERT INTO proxy_logs
	(session_id, client_address, destination_address, destination_port, start_time, status)
	VALUES ($1, $2, $3, $4, $5, $6)`

const progressSQL = `UPDATE proxy_logs
	SET bytes_sent = $2, bytes_received = $3
	WHERE session_id = $1 AND status = 'active'`

const finalizeSQL = `UPDATE proxy_logs
	SET end_time = $2,
		bytes_sent = $3,
		bytes_received = $4,
		connection_duration_ms = $5,
		throughput_kbps = $6,
		status = $7,
		error_message = $8
	WHERE session_id = $1`

const insertFinalSQL = `INSERT INTO proxy_logs
	(session_id, client_address, destination_address, destination_port, start_time,
	 end_time, bytes_sent, bytes_received, connection_duration_ms, throughput_kbps, status, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// execer is the subset of *pgxpool.Pool used by Postgres.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres writes records to the proxy_logs table. The pgx pool is shared by
// all sessions and is safe for concurrent use.
type Postgres struct {
	db    execer
	close func()
}

// NewPostgres connects a pgx pool to dsn. If initSchema is set the
// proxy_logs table is created when missing.
func NewPostgres(ctx context.Context, dsn string, initSchema bool) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &Postgres{db: pool, close: pool.Close}
	if initSchema {
		if err := p.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

// EnsureSchema creates the proxy_logs table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, r Record) error {
	_, err := p.db.Exec(ctx, createSQL,
		r.SessionID, r.ClientAddress, nullString(r.DestinationAddress), nullPort(r.DestinationPort), r.StartTime, string(StatusActive))
	if err != nil {
		return fmt.Errorf("postgres create %s: %w", r.SessionID, err)
	}
	return nil
}

func (p *Postgres) Progress(ctx context.Context, sessionID string, bytesSent, bytesReceived int64) error {
	if _, err := p.db.Exec(ctx, progressSQL, sessionID, bytesSent, bytesReceived); err != nil {
		return fmt.Errorf("postgres progress %s: %w", sessionID, err)
	}
	return nil
}

// Finalize updates the session's row. When no row exists, because Create
// never reached the database, the complete record is inserted instead.
func (p *Postgres) Finalize(ctx context.Context, r Record) error {
	tag, err := p.db.Exec(ctx, finalizeSQL,
		r.SessionID, r.EndTime, r.BytesSent, r.BytesReceived, r.ConnectionDurationMs,
		r.ThroughputKbps, string(r.Status), nullString(r.ErrorMessage))
	if err != nil {
		return fmt.Errorf("postgres finalize %s: %w", r.SessionID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = p.db.Exec(ctx, insertFinalSQL,
		r.SessionID, r.ClientAddress, nullString(r.DestinationAddress), nullPort(r.DestinationPort), r.StartTime,
		r.EndTime, r.BytesSent, r.BytesReceived, r.ConnectionDurationMs,
		r.ThroughputKbps, string(r.Status), nullString(r.ErrorMessage))
	if err != nil {
		return fmt.Errorf("postgres finalize insert %s: %w", r.SessionID, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullPort(port int) any {
	if port == 0 {
		return nil
	}
	return int32(port)
}
