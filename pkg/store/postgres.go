package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// PostgresStore keeps canonical records in a single table keyed by
// (kind, fingerprint). Key, payload, and provenance are JSONB columns; the
// uniqueness constraint is the final authority on duplicates even when the
// dedup index is cold.
type PostgresStore struct {
	pool    *pgxpool.Pool
	mergeFn MergeFunc
	logger  *slog.Logger
}

var _ RecordStore = (*PostgresStore)(nil)

// NewPostgresStore connects, verifies the connection, and ensures schema.
func NewPostgresStore(ctx context.Context, databaseURL string, poolSize int, mergeFn MergeFunc, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 10
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(poolSize)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, mergeFn: mergeFn, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("record store initialized", "max_conns", poolConfig.MaxConns)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS canonical_records (
			kind VARCHAR(32) NOT NULL,
			fingerprint CHAR(64) NOT NULL,
			natural_key JSONB NOT NULL,
			payload JSONB NOT NULL,
			provenance JSONB NOT NULL,
			secondary JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, fingerprint)
		);

		CREATE INDEX IF NOT EXISTS idx_canonical_records_updated ON canonical_records(kind, updated_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// kindLockID derives the advisory lock key for a dataset kind. FNV keeps it
// stable across processes and releases.
func kindLockID(kind record.DatasetKind) int64 {
	h := fnv.New64a()
	h.Write([]byte("medmirror:" + kind))
	return int64(h.Sum64())
}

// Apply implements RecordStore. The advisory lock is transaction-scoped, so
// it releases on commit and rollback alike.
func (s *PostgresStore) Apply(ctx context.Context, batch Batch) (Result, error) {
	var res Result

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, s.classify(batch.Kind, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", kindLockID(batch.Kind)); err != nil {
		return res, s.classify(batch.Kind, fmt.Errorf("failed to take kind lock: %w", err))
	}
	if batch.OnLocked != nil {
		batch.OnLocked()
	}

	for i := range batch.Inserts {
		inserted, err := s.insertOne(ctx, tx, &batch.Inserts[i])
		if err != nil {
			return Result{}, s.classify(batch.Kind, err)
		}
		if inserted {
			res.Inserted++
		} else {
			// The row beat us in; consolidate instead of double-counting
			if err := s.mergeOne(ctx, tx, batch.Kind, batch.Inserts[i].Fingerprint, batch.Inserts[i]); err != nil {
				return Result{}, s.classify(batch.Kind, err)
			}
			res.Merged++
		}
	}

	for _, r := range batch.Refreshes {
		if err := s.refreshOne(ctx, tx, batch.Kind, r); err != nil {
			return Result{}, s.classify(batch.Kind, err)
		}
		res.Refreshed++
	}

	for _, m := range batch.Merges {
		if err := s.mergeOne(ctx, tx, batch.Kind, m.MatchFingerprint, m.Incoming); err != nil {
			return Result{}, s.classify(batch.Kind, err)
		}
		res.Merged++
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, s.classify(batch.Kind, fmt.Errorf("failed to commit batch: %w", err))
	}
	return res, nil
}

func (s *PostgresStore) insertOne(ctx context.Context, tx pgx.Tx, rec *record.CanonicalRecord) (bool, error) {
	key, payload, prov, secondary, err := marshalRecord(rec)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO canonical_records (kind, fingerprint, natural_key, payload, provenance, secondary)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, fingerprint) DO NOTHING
	`, rec.Kind, rec.Fingerprint, key, payload, prov, secondary)
	if err != nil {
		return false, fmt.Errorf("failed to insert record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) refreshOne(ctx context.Context, tx pgx.Tx, kind record.DatasetKind, r Refresh) error {
	_, err := tx.Exec(ctx, `
		UPDATE canonical_records
		SET provenance = provenance || jsonb_build_object('last_seen_at', $3::text),
		    updated_at = NOW()
		WHERE kind = $1 AND fingerprint = $2
	`, kind, r.Fingerprint, r.Provenance.LastSeenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to refresh provenance: %w", err)
	}
	return nil
}

// mergeOne reads the matched row inside the transaction, applies the merge
// function, and writes the result back. A vanished match degrades to a
// plain insert of the incoming record.
func (s *PostgresStore) mergeOne(ctx context.Context, tx pgx.Tx, kind record.DatasetKind, matchFingerprint string, incoming record.CanonicalRecord) error {
	existing, err := s.getTx(ctx, tx, kind, matchFingerprint)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := s.insertOne(ctx, tx, &incoming); err != nil {
			return err
		}
		return nil
	}

	merged := incoming
	if s.mergeFn != nil {
		merged = s.mergeFn(*existing, incoming)
	}

	key, payload, prov, secondary, err := marshalRecord(&merged)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE canonical_records
		SET natural_key = $3, payload = $4, provenance = $5, secondary = $6, updated_at = NOW()
		WHERE kind = $1 AND fingerprint = $2
	`, kind, matchFingerprint, key, payload, prov, secondary); err != nil {
		return fmt.Errorf("failed to update merged record: %w", err)
	}
	return nil
}

// Get implements RecordStore
func (s *PostgresStore) Get(ctx context.Context, kind record.DatasetKind, fingerprint string) (*record.CanonicalRecord, error) {
	return s.get(ctx, s.pool, kind, fingerprint)
}

func (s *PostgresStore) getTx(ctx context.Context, tx pgx.Tx, kind record.DatasetKind, fingerprint string) (*record.CanonicalRecord, error) {
	return s.get(ctx, tx, kind, fingerprint)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) get(ctx context.Context, q querier, kind record.DatasetKind, fingerprint string) (*record.CanonicalRecord, error) {
	var key, payload, prov, secondary []byte
	err := q.QueryRow(ctx, `
		SELECT natural_key, payload, provenance, secondary
		FROM canonical_records
		WHERE kind = $1 AND fingerprint = $2
	`, kind, fingerprint).Scan(&key, &payload, &prov, &secondary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(kind, fmt.Errorf("failed to load record: %w", err))
	}

	rec := &record.CanonicalRecord{Kind: kind, Fingerprint: fingerprint}
	if err := json.Unmarshal(key, &rec.NaturalKey); err != nil {
		return nil, fmt.Errorf("failed to decode natural key: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := json.Unmarshal(prov, &rec.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance: %w", err)
	}
	if err := json.Unmarshal(secondary, &rec.Secondary); err != nil {
		return nil, fmt.Errorf("failed to decode secondary provenance: %w", err)
	}
	return rec, nil
}

// Count implements RecordStore
func (s *PostgresStore) Count(ctx context.Context, kind record.DatasetKind) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_records WHERE kind = $1`, kind).Scan(&n)
	if err != nil {
		return 0, s.classify(kind, fmt.Errorf("failed to count records: %w", err))
	}
	return n, nil
}

// Close implements RecordStore
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// classify maps deadlock and serialization failures onto the write-conflict
// code so the batcher's bounded retry kicks in; everything else passes
// through wrapped.
func (s *PostgresStore) classify(kind record.DatasetKind, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001":
			return syncerr.ErrWriteConflict(string(kind), err)
		}
	}
	return err
}

func marshalRecord(rec *record.CanonicalRecord) (key, payload, prov, secondary []byte, err error) {
	if key, err = json.Marshal(rec.NaturalKey); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode natural key: %w", err)
	}
	if payload, err = json.Marshal(rec.Payload); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if prov, err = json.Marshal(rec.Provenance); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode provenance: %w", err)
	}
	if rec.Secondary == nil {
		secondary = []byte("[]")
	} else if secondary, err = json.Marshal(rec.Secondary); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode secondary provenance: %w", err)
	}
	return key, payload, prov, secondary, nil
}
