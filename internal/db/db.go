package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS renders (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	voice         TEXT,
	status        TEXT NOT NULL,
	output_path   TEXT,
	output_format TEXT NOT NULL,
	duration      DOUBLE PRECISION,
	failed_stage  TEXT,
	error_message TEXT,
	effects       JSONB,
	public_url    TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS renders_created_at_idx ON renders (created_at DESC);
`

type DB struct {
	*sql.DB
}

// New connects to postgres and makes sure the renders table exists.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn}, nil
}
