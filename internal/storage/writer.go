package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"code-sandbox/internal/audit"
)

// pending is one queued write: a submission summary, its audit trail, or both.
type pending struct {
	submission *Submission
	id         string
	records    []audit.Record
}

// AuditWriter decouples request latency from storage latency. Writes are
// queued and applied by a single goroutine with retry.
type AuditWriter struct {
	store Store
	ch    chan pending
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store: store,
		ch:    make(chan pending, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogSubmission queues a submission summary. Like Persist it never blocks.
func (w *AuditWriter) LogSubmission(_ context.Context, sub *Submission) error {
	w.enqueue(pending{submission: sub, id: sub.ID})
	return nil
}

// Persist queues an audit trail. It implements audit.Sink and never blocks;
// a full buffer drops the trail with a warning.
func (w *AuditWriter) Persist(_ context.Context, submissionID string, records []audit.Record) error {
	w.enqueue(pending{id: submissionID, records: records})
	return nil
}

func (w *AuditWriter) enqueue(p pending) {
	select {
	case w.ch <- p:
	default:
		log.Warn().Str("submission_id", p.id).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and waits up to timeout for queued writes.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case p := <-w.ch:
			w.writeWithRetry(p)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case p := <-w.ch:
					w.writeWithRetry(p)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, p pending) error {
	if p.submission != nil {
		return w.store.LogSubmission(ctx, p.submission)
	}
	return w.store.Persist(ctx, p.id, p.records)
}

func (w *AuditWriter) writeWithRetry(p pending) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.write(ctx, p)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("submission_id", p.id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("submission_id", p.id).
				Msg("audit write failed permanently after retries")
		}
	}
}

var _ audit.Sink = (*AuditWriter)(nil)
