package deadletter

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const createTable = `CREATE TABLE IF NOT EXISTS dead_letters (
	id          UUID PRIMARY KEY,
	stage       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	topic       TEXT NOT NULL,
	partition   INTEGER NOT NULL,
	"offset"    BIGINT NOT NULL,
	index_name  TEXT,
	document_id TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	payload     BYTEA,
	created_at  TIMESTAMPTZ NOT NULL
)`

// PostgresSink stores records in the dead_letters table.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink creates the table if needed.
func NewPostgresSink(ctx context.Context, db Execer) (*PostgresSink, error) {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("creating dead_letters table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Send(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	payload := []byte(rec.Payload)
	if payload == nil {
		payload = rec.RawPayload
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, stage, reason, topic, partition, "offset", index_name, document_id, attempts, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Stage, rec.Reason, rec.Topic, rec.Partition, rec.Offset,
		nullable(rec.Index), nullable(rec.DocumentID), rec.Attempts, payload, rec.At,
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter %s/%d/%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
