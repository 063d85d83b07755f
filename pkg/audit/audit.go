// Package audit stores engine audit events in Postgres.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertEvent = `INSERT INTO audit_events (session_id, agent_id, action, detail, created_at)
VALUES ($1, $2, $3, $4, $5)`

// Execer is the subset of pgx used to write events. *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sink records audit events.
type Sink struct {
	db  Execer
	now func() time.Time
}

func NewSink(db Execer) *Sink {
	return &Sink{db: db, now: time.Now}
}

// Record inserts one event.
func (s *Sink) Record(ctx context.Context, sessionID, agentID string, ev engine.Audit) error {
	if ev.Action == "" {
		return errors.New("audit: empty action")
	}
	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertEvent, sessionID, agentID, ev.Action, payload, s.now().UTC()); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Open connects to databaseURL, applies pending migrations, and returns a sink over the pool.
// The caller closes the pool.
func Open(ctx context.Context, databaseURL string) (*Sink, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping audit database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := Migrate(ctx, db); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return NewSink(pool), pool, nil
}

// Migrate applies the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	provider, err := newProvider(db)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply audit migrations: %w", err)
	}
	return nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("audit migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("audit migrations: %w", err)
	}
	return provider, nil
}
