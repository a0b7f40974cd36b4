// Package audit holds the append-only record of security decisions taken
// while a submission runs: connection attempts, DLP blocks and execution
// summaries.
package audit

import (
	"sync"
	"time"
)

// Kind tags the variant carried by an Entry.
type Kind string

const (
	KindConnection Kind = "connection"
	KindDLP        Kind = "dlp"
	KindExecution  Kind = "execution"
)

// ConnectionAttempt is one outbound connection decision.
type ConnectionAttempt struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Mode    string `json:"mode"`
}

// DLPFinding is one matched category in a blocked payload.
type DLPFinding struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Category   string `json:"category"`
	MatchCount int    `json:"match_count"`
	Sample     string `json:"sample"`
}

// ExecutionSummary closes the trail of a submission that reached the executor.
type ExecutionSummary struct {
	ExecID       string        `json:"exec_id"`
	Outcome      string        `json:"outcome"`
	ExitStatus   int           `json:"exit_status"`
	TerminatedBy string        `json:"terminated_by"`
	Limit        string        `json:"limit,omitempty"`
	Signal       string        `json:"signal,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Entry is an immutable audit record. Exactly one of the variant pointers is
// set, matching Kind.
type Entry struct {
	Seq        uint64             `json:"seq"`
	Time       time.Time          `json:"timestamp"`
	Kind       Kind               `json:"kind"`
	Connection *ConnectionAttempt `json:"connection,omitempty"`
	DLP        *DLPFinding        `json:"dlp,omitempty"`
	Execution  *ExecutionSummary  `json:"execution,omitempty"`
}

func (e Entry) clone() Entry {
	if e.Connection != nil {
		c := *e.Connection
		e.Connection = &c
	}
	if e.DLP != nil {
		d := *e.DLP
		e.DLP = &d
	}
	if e.Execution != nil {
		x := *e.Execution
		e.Execution = &x
	}
	return e
}

// Log is an append-only, strictly time-ordered sequence of entries. It is
// safe for concurrent use; appends from several goroutines are serialized and
// each receives a timestamp strictly after the previous one.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	last    time.Time
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now().UTC()
	if !t.After(l.last) {
		t = l.last.Add(time.Nanosecond)
	}
	l.last = t

	e.Seq = uint64(len(l.entries)) + 1
	e.Time = t
	l.entries = append(l.entries, e.clone())
	return e
}

// RecordConnection appends a connection decision.
func (l *Log) RecordConnection(c ConnectionAttempt) Entry {
	return l.append(Entry{Kind: KindConnection, Connection: &c})
}

// RecordDLP appends a DLP finding.
func (l *Log) RecordDLP(f DLPFinding) Entry {
	return l.append(Entry{Kind: KindDLP, DLP: &f})
}

// RecordExecution appends an execution summary.
func (l *Log) RecordExecution(s ExecutionSummary) Entry {
	return l.append(Entry{Kind: KindExecution, Execution: &s})
}

// Entries returns a copy of every entry in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Connections returns only the connection entries.
func (l *Log) Connections() []ConnectionAttempt {
	var out []ConnectionAttempt
	for _, e := range l.Entries() {
		if e.Kind == KindConnection {
			out = append(out, *e.Connection)
		}
	}
	return out
}
