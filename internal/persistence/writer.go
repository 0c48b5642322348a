// Package persistence writes the outcome audit log to Postgres. Writes are
// idempotent on (sequence, sub_index), so replaying a batch after a crash
// never duplicates rows.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutcomeRow is one row of clearing.outcomes.
type OutcomeRow struct {
	Sequence  int64
	SubIndex  int32
	Kind      string
	Payload   []byte // JSON-encoded outcome
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// OutcomeWriter writes outcome rows using multi-row INSERT. A COPY-based
// writer (pgx CopyFrom) is the upgrade path if insert throughput becomes
// the bottleneck.
type OutcomeWriter struct {
	db *sql.DB
}

func NewOutcomeWriter(db *sql.DB) *OutcomeWriter {
	return &OutcomeWriter{db: db}
}

// WriteBatch writes a batch of outcome rows inside tx.
func (w *OutcomeWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []OutcomeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO clearing.outcomes
		(sequence, sub_index, kind, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Sequence, r.SubIndex, r.Kind, r.Payload,
			r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, sub_index) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or -1 on an empty
// log. Used to resume the dispatcher after a restart.
func (w *OutcomeWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM clearing.outcomes`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ChainTip returns the state hash of the last persisted outcome.
func (w *OutcomeWriter) ChainTip(ctx context.Context) ([]byte, error) {
	var hash []byte
	err := w.db.QueryRowContext(ctx, `
		SELECT state_hash FROM clearing.outcomes
		ORDER BY sequence DESC, sub_index DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hash, err
}

// EnsureSchema creates the audit-log schema and tables if absent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE SCHEMA IF NOT EXISTS clearing;

CREATE TABLE IF NOT EXISTS clearing.outcomes (
    sequence    BIGINT      NOT NULL,
    sub_index   INT         NOT NULL,
    kind        TEXT        NOT NULL,
    payload     JSONB       NOT NULL,
    state_hash  BYTEA       NOT NULL,
    prev_hash   BYTEA       NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (sequence, sub_index)
);

CREATE INDEX IF NOT EXISTS outcomes_kind_idx ON clearing.outcomes (kind, sequence);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// MarshalPayload JSON-encodes an outcome for the payload column.
func MarshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
