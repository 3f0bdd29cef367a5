package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink persists one row per committed transaction/mutation to Postgres,
// as a durable side-channel independent of raft log compaction. It is
// optional: nodes that don't configure audit.pg_dsn never construct one.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink opens a pool against dsn and ensures the audit table exists.
func NewPgSink(ctx context.Context, dsn string) (*PgSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	sink := &PgSink{pool: pool}
	if err := sink.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PgSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kvmap_audit_log (
			id            BIGSERIAL PRIMARY KEY,
			raft_index    BIGINT NOT NULL,
			event         TEXT NOT NULL,
			key           TEXT,
			transaction_id TEXT,
			detail        JSONB,
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Record inserts one durable audit row. Failures are returned to the
// caller (internal/httpapi's recordAudit) to log, never fatal to the replica: the audit
// sink is a best-effort side channel, not part of the replicated state.
func (s *PgSink) Record(ctx context.Context, raftIndex uint64, event, key, transactionID string, detail []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kvmap_audit_log (raft_index, event, key, transaction_id, detail) VALUES ($1, $2, $3, $4, $5)`,
		raftIndex, event, key, transactionID, detail,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PgSink) Close() { s.pool.Close() }
