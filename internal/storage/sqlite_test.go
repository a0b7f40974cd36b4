package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"code-sandbox/internal/audit"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecords(t *testing.T) []audit.Record {
	t.Helper()
	l := audit.New()
	l.RecordConnection(audit.ConnectionAttempt{Host: "example.com", Port: 443, Allowed: false, Reason: "blocked", Mode: "block_all"})
	l.RecordConnection(audit.ConnectionAttempt{Host: "pypi.org", Port: 443, Allowed: true, Reason: "whitelisted", Mode: "whitelist"})
	return l.Records()
}

func TestSQLite_PersistAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if !s.Healthy(ctx) {
		t.Fatal("fresh store reports unhealthy")
	}

	records := testRecords(t)
	if err := s.Persist(ctx, "sub-1", records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := s.ListAudit(ctx, AuditFilter{SubmissionID: "sub-1"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	for i, r := range got {
		if r.Seq != records[i].Seq {
			t.Errorf("record %d seq = %d, want %d", i, r.Seq, records[i].Seq)
		}
		if r.Kind != string(audit.KindConnection) {
			t.Errorf("record %d kind = %q", i, r.Kind)
		}
	}
	if got[0].Fields["host"] != "example.com" || got[0].Fields["allowed"] != false {
		t.Errorf("fields not round-tripped: %v", got[0].Fields)
	}
}

func TestSQLite_PersistIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	records := testRecords(t)

	for range 2 {
		if err := s.Persist(ctx, "sub-1", records); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}
	got, err := s.ListAudit(ctx, AuditFilter{SubmissionID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Errorf("got %d records after retry, want %d", len(got), len(records))
	}
}

func TestSQLite_ListAuditFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Persist(ctx, "a", testRecords(t)); err != nil {
		t.Fatal(err)
	}
	l := audit.New()
	l.RecordExecution(audit.ExecutionSummary{ExecID: "b", Outcome: "success"})
	if err := s.Persist(ctx, "b", l.Records()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"all", AuditFilter{}, 3},
		{"by submission", AuditFilter{SubmissionID: "b"}, 1},
		{"by kind", AuditFilter{Kind: string(audit.KindConnection)}, 2},
		{"limit", AuditFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAudit(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSQLite_Submissions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	subs := []*Submission{
		{ID: "1", CodeHash: "h1", Verdict: "safe", NetworkMode: "block_all", Outcome: "success", CreatedAt: now.Add(-time.Minute)},
		{ID: "2", CodeHash: "h2", Verdict: "blocked", VerdictReason: "import of os", NetworkMode: "block_all", CreatedAt: now},
	}
	for _, sub := range subs {
		if err := s.LogSubmission(ctx, sub); err != nil {
			t.Fatalf("LogSubmission(%s): %v", sub.ID, err)
		}
	}

	all, err := s.ListSubmissions(ctx, SubmissionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "2" {
		t.Errorf("want newest first, got %+v", all)
	}

	blocked, err := s.ListSubmissions(ctx, SubmissionFilter{Verdict: "blocked"})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].VerdictReason != "import of os" {
		t.Errorf("verdict filter = %+v", blocked)
	}

	got, err := s.GetSubmission(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "success" {
		t.Errorf("Outcome = %q, want success", got.Outcome)
	}

	// Submission IDs are unique; a second insert is rejected, never merged.
	if err := s.LogSubmission(ctx, subs[0]); err == nil {
		t.Error("duplicate submission insert succeeded")
	}
}

type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	subs     []string
	trails   map[string]int
}

func (f *flakyStore) LogSubmission(_ context.Context, s *Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transient")
	}
	f.subs = append(f.subs, s.ID)
	return nil
}

func (f *flakyStore) Persist(_ context.Context, id string, records []audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trails[id] = len(records)
	return nil
}

func TestAuditWriter_RetriesAndDrains(t *testing.T) {
	fs := &flakyStore{failures: 1, trails: map[string]int{}}
	w := NewAuditWriter(fs, 16)
	w.Start()

	_ = w.LogSubmission(context.Background(), &Submission{ID: "s1"})
	if err := w.Persist(context.Background(), "s1", testRecords(t)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	w.Flush(5 * time.Second)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.subs) != 1 || fs.subs[0] != "s1" {
		t.Errorf("submissions written = %v, want [s1]", fs.subs)
	}
	if fs.trails["s1"] != 2 {
		t.Errorf("trail records = %d, want 2", fs.trails["s1"])
	}
}

func TestAuditWriter_FullBufferDrops(t *testing.T) {
	fs := &flakyStore{trails: map[string]int{}}
	w := NewAuditWriter(fs, 1)
	// Not started: the second enqueue finds the buffer full.
	_ = w.LogSubmission(context.Background(), &Submission{ID: "kept"})
	_ = w.LogSubmission(context.Background(), &Submission{ID: "dropped"})
	if len(w.ch) != 1 {
		t.Errorf("buffer holds %d entries, want 1", len(w.ch))
	}
}
