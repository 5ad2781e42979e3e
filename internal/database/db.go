package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/openclaw/multisession-server-go/internal/config"
)

type DB struct {
	*sqlx.DB
}

func Connect(databaseURL string) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.DBMaxOpenConns)
	db.SetMaxIdleConns(config.DBMaxIdleConns)
	db.SetConnMaxLifetime(config.DBConnMaxLifetime)

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS bot_sessions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	platform          TEXT NOT NULL,
	handle            TEXT,
	status            TEXT NOT NULL DEFAULT 'disconnected',
	active_chats      INTEGER NOT NULL DEFAULT 0 CHECK (active_chats >= 0),
	total_messages    BIGINT NOT NULL DEFAULT 0 CHECK (total_messages >= 0),
	pairing_challenge TEXT,
	error_kind        TEXT,
	last_activity_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	config            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT pairing_challenge_iff_pairing CHECK ((status = 'pairing') = (pairing_challenge IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS bot_sessions_status_idx ON bot_sessions (status);
`

// EnsureSchema creates the tables the repositories need when they are missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
