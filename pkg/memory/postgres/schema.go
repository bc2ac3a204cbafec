// Package postgres provides a PostgreSQL-backed memory.MessageLog.
//
// Messages of every conversation share one table. [Migrate] creates it on
// start, so pointing the bot at an empty database is enough.
//
// Usage:
//
//	log, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer log.Close()
//	_ = log.Append(ctx, channelID, types.UserMessage("ana", "hi", time.Now()))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    role             TEXT         NOT NULL,
    name             TEXT         NOT NULL DEFAULT '',
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
    ON messages (conversation_id, id);
`

// Migrate ensures the messages table exists. It is idempotent and safe to
// call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMessages); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
