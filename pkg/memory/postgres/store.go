package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/nova/pkg/memory"
	"github.com/MrWong99/nova/pkg/types"
)

var _ memory.MessageLog = (*Log)(nil)

// Log is a memory.MessageLog stored in PostgreSQL. It is safe for
// concurrent use.
type Log struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres log: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres log: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres log: migrate: %w", err)
	}
	return &Log{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The schema must already be migrated.
func NewFromPool(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Append implements memory.MessageLog.
func (l *Log) Append(ctx context.Context, conversationID string, msg types.Message) error {
	if conversationID == "" {
		return memory.ErrEmptyConversation
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	const q = `
		INSERT INTO messages (conversation_id, role, name, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := l.pool.Exec(ctx, q, conversationID, msg.Role, msg.Name, msg.Content, ts); err != nil {
		return fmt.Errorf("postgres log: append: %w", err)
	}
	return nil
}

// Recent implements memory.MessageLog.
func (l *Log) Recent(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if conversationID == "" {
		return nil, memory.ErrEmptyConversation
	}
	q := `
		SELECT role, name, content, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres log: recent: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		err := row.Scan(&m.Role, &m.Name, &m.Content, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres log: scan rows: %w", err)
	}
	slices.Reverse(msgs)
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (l *Log) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (l *Log) Close() {
	l.pool.Close()
}
