package audit

import (
	"context"
	"time"
)

// Record is the serialized form of an Entry: an ordered
// {timestamp, kind, fields} triple with a flat field map.
type Record struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
}

// Sink persists the records of one submission. Implementations must only
// ever insert.
type Sink interface {
	Persist(ctx context.Context, submissionID string, records []Record) error
}

// Record converts the entry to its serialized form.
func (e Entry) Record() Record {
	r := Record{Seq: e.Seq, Timestamp: e.Time, Kind: e.Kind, Fields: map[string]any{}}

	switch e.Kind {
	case KindConnection:
		if c := e.Connection; c != nil {
			r.Fields["host"] = c.Host
			r.Fields["port"] = c.Port
			r.Fields["allowed"] = c.Allowed
			r.Fields["reason"] = c.Reason
			r.Fields["mode"] = c.Mode
		}
	case KindDLP:
		if d := e.DLP; d != nil {
			r.Fields["host"] = d.Host
			r.Fields["port"] = d.Port
			r.Fields["category"] = d.Category
			r.Fields["match_count"] = d.MatchCount
			r.Fields["sample"] = d.Sample
		}
	case KindExecution:
		if x := e.Execution; x != nil {
			r.Fields["exec_id"] = x.ExecID
			r.Fields["outcome"] = x.Outcome
			r.Fields["exit_status"] = x.ExitStatus
			r.Fields["terminated_by"] = x.TerminatedBy
			r.Fields["limit"] = x.Limit
			r.Fields["signal"] = x.Signal
			r.Fields["elapsed_ms"] = x.Elapsed.Milliseconds()
		}
	}
	return r
}

// Records serializes every entry in append order.
func (l *Log) Records() []Record {
	entries := l.Entries()
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record()
	}
	return out
}
