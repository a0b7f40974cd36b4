package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"code-sandbox/internal/audit"
)

// SubmissionModel is the GORM row for a submission.
type SubmissionModel struct {
	ID            string `gorm:"primaryKey;type:text"`
	CodeHash      string `gorm:"type:text;not null"`
	Verdict       string `gorm:"type:text;not null;index"`
	VerdictReason string `gorm:"type:text"`
	NetworkMode   string `gorm:"type:text;not null"`
	Backend       string `gorm:"type:text"`
	Outcome       string `gorm:"type:text;index"`
	LimitKind     string `gorm:"type:text"`
	ExitStatus    int
	DurationMS    int64
	Stdout        string    `gorm:"type:text"`
	Stderr        string    `gorm:"type:text"`
	RequestIP     string    `gorm:"type:text"`
	APIKeyHash    string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	CompletedAt   *time.Time
}

func (SubmissionModel) TableName() string { return "submissions" }

// AuditRecordModel is the GORM row for one audit entry.
type AuditRecordModel struct {
	ID           string         `gorm:"primaryKey;type:text"`
	SubmissionID string         `gorm:"type:text;not null;uniqueIndex:idx_audit_submission_seq"`
	Seq          uint64         `gorm:"not null;uniqueIndex:idx_audit_submission_seq"`
	Kind         string         `gorm:"type:text;not null;index"`
	Ts           time.Time      `gorm:"not null;index"`
	Fields       map[string]any `gorm:"serializer:json;type:text"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }

// SQLiteStore implements Store on a single SQLite file. It backs the CLI and
// servers running without Postgres.
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		zerologAdapter{log.Logger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&SubmissionModel{}, &AuditRecordModel{}); err != nil {
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	log.Info().Str("path", path).Msg("opened SQLite audit store")
	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (s *SQLiteStore) LogSubmission(ctx context.Context, sub *Submission) error {
	m := SubmissionModel{
		ID:            sub.ID,
		CodeHash:      sub.CodeHash,
		Verdict:       sub.Verdict,
		VerdictReason: sub.VerdictReason,
		NetworkMode:   sub.NetworkMode,
		Backend:       sub.Backend,
		Outcome:       sub.Outcome,
		LimitKind:     sub.Limit,
		ExitStatus:    sub.ExitStatus,
		DurationMS:    sub.DurationMS,
		Stdout:        truncateForDB(sub.Stdout, 65535),
		Stderr:        truncateForDB(sub.Stderr, 65535),
		RequestIP:     sub.RequestIP,
		APIKeyHash:    sub.APIKeyHash,
		CreatedAt:     sub.CreatedAt.UTC(),
		CompletedAt:   sub.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

// Persist appends the audit trail of one submission. Records already stored
// under the same (submission, seq) are skipped, so a retried write is safe.
func (s *SQLiteStore) Persist(ctx context.Context, submissionID string, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]AuditRecordModel, len(records))
	for i, r := range records {
		rows[i] = AuditRecordModel{
			ID:           uuid.New().String(),
			SubmissionID: submissionID,
			Seq:          r.Seq,
			Kind:         string(r.Kind),
			Ts:           r.Timestamp.UTC(),
			Fields:       r.Fields,
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 100).Error
	if err != nil {
		return fmt.Errorf("inserting audit records for %s: %w", submissionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	var m SubmissionModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("querying submission %s: %w", id, err)
	}
	sub := m.toSubmission()
	return &sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	q := s.db.WithContext(ctx).Model(&SubmissionModel{})
	if filter.Verdict != "" {
		q = q.Where("verdict = ?", filter.Verdict)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}

	var rows []SubmissionModel
	err := q.Order("created_at DESC").
		Limit(clampLimit(filter.Limit)).
		Offset(filter.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}

	out := make([]Submission, len(rows))
	for i, m := range rows {
		out[i] = m.toSubmission()
	}
	return out, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	q := s.db.WithContext(ctx).Model(&AuditRecordModel{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.SubmissionID != "" {
		q = q.Where("submission_id = ?", filter.SubmissionID).Order("seq ASC")
	} else {
		q = q.Order("ts DESC").Order("seq DESC")
	}

	var rows []AuditRecordModel
	if err := q.Limit(clampLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}

	out := make([]AuditRecord, len(rows))
	for i, m := range rows {
		out[i] = AuditRecord{
			ID:           m.ID,
			SubmissionID: m.SubmissionID,
			Seq:          m.Seq,
			Kind:         m.Kind,
			Timestamp:    m.Ts,
			Fields:       m.Fields,
		}
	}
	return out, nil
}

func (m SubmissionModel) toSubmission() Submission {
	return Submission{
		ID:            m.ID,
		CodeHash:      m.CodeHash,
		Verdict:       m.Verdict,
		VerdictReason: m.VerdictReason,
		NetworkMode:   m.NetworkMode,
		Backend:       m.Backend,
		Outcome:       m.Outcome,
		Limit:         m.LimitKind,
		ExitStatus:    m.ExitStatus,
		DurationMS:    m.DurationMS,
		Stdout:        m.Stdout,
		Stderr:        m.Stderr,
		RequestIP:     m.RequestIP,
		APIKeyHash:    m.APIKeyHash,
		CreatedAt:     m.CreatedAt,
		CompletedAt:   m.CompletedAt,
	}
}

// zerologAdapter routes GORM's logger through zerolog.
type zerologAdapter struct {
	l zerolog.Logger
}

func (a zerologAdapter) Printf(format string, args ...any) {
	a.l.Warn().Str("component", "gorm").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

var _ Store = (*SQLiteStore)(nil)
