package storage

import (
	"context"
	"time"

	"code-sandbox/internal/audit"
)

// Submission is the stored summary of one pipeline run.
type Submission struct {
	ID            string     `json:"id" db:"id"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Verdict       string     `json:"verdict" db:"verdict"` // safe, blocked, syntax_invalid
	VerdictReason string     `json:"verdict_reason,omitempty" db:"verdict_reason"`
	NetworkMode   string     `json:"network_mode" db:"network_mode"`
	Backend       string     `json:"backend,omitempty" db:"backend"`
	Outcome       string     `json:"outcome,omitempty" db:"outcome"`
	Limit         string     `json:"limit,omitempty" db:"limit_kind"`
	ExitStatus    int        `json:"exit_status" db:"exit_status"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	Stdout        string     `json:"stdout,omitempty" db:"stdout"`
	Stderr        string     `json:"stderr,omitempty" db:"stderr"`
	RequestIP     string     `json:"request_ip,omitempty" db:"request_ip"`
	APIKeyHash    string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// AuditRecord is one stored audit entry.
type AuditRecord struct {
	ID           string         `json:"id" db:"id"`
	SubmissionID string         `json:"submission_id" db:"submission_id"`
	Seq          uint64         `json:"seq" db:"seq"`
	Kind         string         `json:"kind" db:"kind"`
	Timestamp    time.Time      `json:"timestamp" db:"ts"`
	Fields       map[string]any `json:"fields" db:"fields"`
}

// SubmissionFilter provides criteria for querying submissions.
type SubmissionFilter struct {
	Verdict string
	Outcome string
	Limit   int
	Offset  int
}

// AuditFilter provides criteria for querying audit records.
type AuditFilter struct {
	SubmissionID string
	Kind         string
	Limit        int
}

// Store is durable, insert-only storage for submissions and their audit
// trails. There is no update or delete.
type Store interface {
	audit.Sink
	LogSubmission(ctx context.Context, s *Submission) error
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	Healthy(ctx context.Context) bool
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
