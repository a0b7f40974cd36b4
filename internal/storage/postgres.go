package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"code-sandbox/internal/audit"
	"code-sandbox/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pc.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(min(cfg.MaxOpenConns, 1000)) // #nosec G115 -- bounded above
	}
	pc.MinConns = 2
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns < int(pc.MaxConns) {
		pc.MinConns = int32(cfg.MaxIdleConns) // #nosec G115 -- below MaxConns
	}
	pc.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogSubmission inserts a submission summary.
func (db *DB) LogSubmission(ctx context.Context, s *Submission) error {
	query := `
		INSERT INTO submissions (id, code_hash, verdict, verdict_reason, network_mode,
			backend, outcome, limit_kind, exit_status, duration_ms, stdout, stderr,
			request_ip, api_key_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := db.pool.Exec(ctx, query,
		s.ID, s.CodeHash, s.Verdict, s.VerdictReason, s.NetworkMode,
		s.Backend, s.Outcome, s.Limit, s.ExitStatus, s.DurationMS,
		truncateForDB(s.Stdout, 65535),
		truncateForDB(s.Stderr, 65535),
		s.RequestIP, s.APIKeyHash,
		s.CreatedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

// Persist inserts the audit trail of one submission in a single transaction.
func (db *DB) Persist(ctx context.Context, submissionID string, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO audit_records (id, submission_id, seq, kind, ts, fields)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), submissionID, int64(r.Seq), string(r.Kind), r.Timestamp, r.Fields, // #nosec G115 -- sequence numbers stay far below 2^63
		)
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("inserting audit records for %s: %w", submissionID, err)
	}
	return nil
}

// GetSubmission retrieves a single submission by ID.
func (db *DB) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	query := `
		SELECT id, code_hash, verdict, verdict_reason, network_mode, backend,
			outcome, limit_kind, exit_status, duration_ms, stdout, stderr,
			request_ip, api_key_hash, created_at, completed_at
		FROM submissions WHERE id = $1`

	var s Submission
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.CodeHash, &s.Verdict, &s.VerdictReason, &s.NetworkMode, &s.Backend,
		&s.Outcome, &s.Limit, &s.ExitStatus, &s.DurationMS, &s.Stdout, &s.Stderr,
		&s.RequestIP, &s.APIKeyHash, &s.CreatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying submission %s: %w", id, err)
	}
	return &s, nil
}

// ListSubmissions queries submissions with optional filters, newest first.
func (db *DB) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	query := `
		SELECT id, code_hash, verdict, verdict_reason, network_mode, backend,
			outcome, limit_kind, exit_status, duration_ms, created_at, completed_at
		FROM submissions
		WHERE ($1 = '' OR verdict = $1)
		  AND ($2 = '' OR outcome = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query,
		filter.Verdict, filter.Outcome, clampLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(
			&s.ID, &s.CodeHash, &s.Verdict, &s.VerdictReason, &s.NetworkMode, &s.Backend,
			&s.Outcome, &s.Limit, &s.ExitStatus, &s.DurationMS, &s.CreatedAt, &s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning submission row: %w", err)
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// ListAudit returns audit records. With a submission ID they come in append
// order; otherwise newest first.
func (db *DB) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT id, submission_id, seq, kind, ts, fields
		FROM audit_records
		WHERE ($1 = '' OR submission_id = $1)
		  AND ($2 = '' OR kind = $2)
		ORDER BY CASE WHEN $1 = '' THEN NULL ELSE seq END ASC, ts DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, filter.SubmissionID, filter.Kind, clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var results []AuditRecord
	for rows.Next() {
		var (
			r   AuditRecord
			id  uuid.UUID
			seq int64
		)
		if err := rows.Scan(&id, &r.SubmissionID, &seq, &r.Kind, &r.Timestamp, &r.Fields); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.ID = id.String()
		r.Seq = uint64(seq) // #nosec G115 -- written from a uint64 below 2^63
		results = append(results, r)
	}
	return results, rows.Err()
}

var _ Store = (*DB)(nil)
