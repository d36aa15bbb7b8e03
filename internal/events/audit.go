package events

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/storage"
)

// Recorder persists audit rows. storage.Store satisfies it.
type Recorder interface {
	RecordEvent(ctx context.Context, rec *storage.EventRecord) error
}

// AuditWriter persists events asynchronously so emitters never wait on the database.
// When the buffer is full, events are dropped with a warning.
type AuditWriter struct {
	rec  Recorder
	ch   chan *storage.EventRecord
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	maxRetries  int
	baseBackoff time.Duration
}

func NewAuditWriter(rec Recorder, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		rec:         rec,
		ch:          make(chan *storage.EventRecord, bufferSize),
		done:        make(chan struct{}),
		log:         log.With().Str("component", "audit").Logger(),
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Emit implements Sink.
func (w *AuditWriter) Emit(_ context.Context, e Event) {
	rec := &storage.EventRecord{
		ID:           uuid.NewString(),
		Type:         string(e.Type),
		GameID:       e.GameID,
		OwnerID:      e.OwnerID,
		ChallengeID:  e.ChallengeID,
		SubmissionID: e.SubmissionID,
		InstanceID:   e.InstanceID,
		Detail:       e.Detail,
		CreatedAt:    e.At,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	select {
	case w.ch <- rec:
	default:
		w.log.Warn().Str("event", rec.Type).Str("event_id", rec.ID).Msg("audit buffer full, dropping event")
	}
}

// Flush stops the writer and waits up to timeout for buffered events to be written.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		w.log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		w.log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(rec *storage.EventRecord) {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.rec.RecordEvent(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < w.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseBackoff
			w.log.Warn().
				Err(err).
				Str("event_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			w.log.Error().
				Err(err).
				Str("event_id", rec.ID).
				Str("event", rec.Type).
				Msg("audit write failed permanently after retries")
		}
	}
}
