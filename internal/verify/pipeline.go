// Package verify checks submitted answers asynchronously. Submissions are
// persisted as Unchecked, queued, and resolved by a fixed pool of workers that
// classify each answer and persist the verdict with an optimistic write.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/cache"
	"ctf-arena/internal/events"
	"ctf-arena/internal/flag"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/queue"
	"ctf-arena/internal/scoreboard"
	"ctf-arena/internal/storage"
)

var (
	ErrInvalidAnswer  = errors.New("answer is empty or too long")
	ErrUnknownOwner   = errors.New("unknown owner token")
	ErrWrongGame      = errors.New("challenge does not belong to the owner's game")
	ErrGameNotStarted = errors.New("game has not started")
)

// DefaultMaxAnswerLength matches the widest flag column.
const DefaultMaxAnswerLength = 127

// Invalidator schedules a rebuild of a cached artifact. *cache.Service implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, req cache.Request)
}

type Options struct {
	Workers            int
	MaxConflictRetries int
	DrainTimeout       time.Duration
	MaxAnswerLength    int
}

type SubmitRequest struct {
	OwnerToken  string
	ChallengeID int64
	Answer      string
	SubmitAt    time.Time
}

// job is one queued verification. attempts counts failed persists so far.
type job struct {
	id       int64
	attempts int
}

type Pipeline struct {
	store       storage.Store
	flags       *flag.Generator
	invalidator Invalidator
	sink        events.Sink
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer
	opts        Options

	queue  *queue.Queue[job]
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	log    zerolog.Logger
}

func NewPipeline(store storage.Store, flags *flag.Generator, invalidator Invalidator, sink events.Sink,
	metrics *monitor.Metrics, tracer *monitor.Tracer, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxConflictRetries < 1 {
		opts.MaxConflictRetries = 32
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.MaxAnswerLength <= 0 {
		opts.MaxAnswerLength = DefaultMaxAnswerLength
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Pipeline{
		store:       store,
		flags:       flags,
		invalidator: invalidator,
		sink:        sink,
		metrics:     metrics,
		tracer:      tracer,
		opts:        opts,
		queue:       queue.New[job](),
		now:         time.Now,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Submit persists the answer as Unchecked and queues it. It returns without
// waiting for the verdict; the returned copy carries StatusFlagSubmitted.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*storage.Submission, error) {
	answer := strings.TrimSpace(req.Answer)
	if answer == "" || len(answer) > p.opts.MaxAnswerLength {
		return nil, ErrInvalidAnswer
	}

	owner, err := p.store.GetOwnerByToken(ctx, req.OwnerToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownOwner
		}
		return nil, err
	}
	chal, err := p.store.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	if chal.GameID != owner.GameID {
		return nil, fmt.Errorf("challenge %d: %w", chal.ID, ErrWrongGame)
	}
	game, err := p.store.GetGame(ctx, chal.GameID)
	if err != nil {
		return nil, err
	}

	at := req.SubmitAt
	if at.IsZero() {
		at = p.now()
	}
	if at.Before(game.StartAt) {
		return nil, fmt.Errorf("game %d: %w", game.ID, ErrGameNotStarted)
	}

	sub := &storage.Submission{
		GameID:      game.ID,
		OwnerID:     owner.ID,
		ChallengeID: chal.ID,
		Answer:      answer,
		SubmitAt:    at,
		Status:      storage.StatusUnchecked,
	}
	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("persisting submission: %w", err)
	}

	if !p.queue.Push(job{id: sub.ID}) {
		p.log.Warn().Int64("submission_id", sub.ID).Msg("pipeline stopped, submission left for restart recovery")
	}
	p.metrics.QueueDepth.WithLabelValues("submissions").Set(float64(p.queue.Len()))

	ack := *sub
	ack.Status = storage.StatusFlagSubmitted
	return &ack, nil
}

// Start re-queues every persisted Unchecked submission and starts the workers.
func (p *Pipeline) Start(ctx context.Context) error {
	pending, err := p.store.ListUncheckedSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("recovering unchecked submissions: %w", err)
	}
	for _, sub := range pending {
		p.queue.Push(job{id: sub.ID})
	}
	if len(pending) > 0 {
		p.log.Info().Int("count", len(pending)).Msg("recovered unchecked submissions")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.opts.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx, i)
		}()
	}

	p.log.Info().Int("workers", p.opts.Workers).Msg("verification pipeline started")
	return nil
}

// Stop stops the workers from pulling new items. An in-flight verification runs
// to completion; queued items stay Unchecked and are recovered on the next start.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if !p.wait(p.opts.DrainTimeout) {
		p.log.Warn().Dur("timeout", p.opts.DrainTimeout).Msg("timed out waiting for verification workers")
		return
	}
	p.log.Info().Msg("verification pipeline stopped")
}

// Drain closes the queue and waits until every queued submission is resolved,
// dead-lettered, or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.queue.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	wlog := p.log.With().Int("worker", n).Logger()
	for {
		// Pop prefers queued items over a done context, so Stop is checked here.
		if ctx.Err() != nil {
			return
		}
		j, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.metrics.QueueDepth.WithLabelValues("submissions").Set(float64(p.queue.Len()))

		// Verification outlives shutdown so a started write is never abandoned.
		p.run(context.WithoutCancel(ctx), j, wlog)
	}
}

// run verifies j until it resolves, is dead-lettered, or is handed back to the
// queue. A closed queue means the pipeline is draining, so the retry happens here.
func (p *Pipeline) run(ctx context.Context, j job, wlog zerolog.Logger) {
	for {
		err := p.verifySafely(ctx, j.id)
		if err == nil {
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			wlog.Warn().Err(err).Int64("submission_id", j.id).Msg("submission vanished, dropping")
			return
		}

		j.attempts++
		if j.attempts > p.opts.MaxConflictRetries {
			p.metrics.DeadLetters.Inc()
			wlog.Error().Err(err).
				Int64("submission_id", j.id).
				Int("attempts", j.attempts).
				Msg("giving up on submission, left unchecked for operator or restart")
			return
		}

		p.metrics.Requeues.Inc()
		if errors.Is(err, storage.ErrConflict) {
			wlog.Debug().Int64("submission_id", j.id).Int("attempts", j.attempts).Msg("write conflict, requeueing")
		} else {
			wlog.Warn().Err(err).Int64("submission_id", j.id).Int("attempts", j.attempts).Msg("verification failed, requeueing")
		}
		if p.queue.Push(j) {
			return
		}
	}
}

func (p *Pipeline) verifySafely(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verification panicked: %v", r)
		}
	}()
	return p.verify(ctx, id)
}

// verify classifies one submission and persists the verdict. A nil return means
// the submission is terminal, either now or already before.
func (p *Pipeline) verify(ctx context.Context, id int64) (err error) {
	start := time.Now()
	ctx, span := p.tracer.StartSpan(ctx, "verify", monitor.AttrSubmissionID.Int64(id))
	defer func() { monitor.EndSpan(span, err) }()

	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return nil
	}

	chal, err := p.store.GetChallenge(ctx, sub.ChallengeID)
	if err != nil {
		return err
	}
	game, err := p.store.GetGame(ctx, sub.GameID)
	if err != nil {
		return err
	}
	owner, err := p.store.GetOwner(ctx, sub.OwnerID)
	if err != nil {
		return err
	}

	res, err := p.classify(ctx, sub, chal, game, owner)
	if err != nil {
		return err
	}

	rank, err := p.store.ResolveSubmission(ctx, sub, res)
	if err != nil {
		return err
	}

	span.SetAttributes(
		monitor.AttrGameID.Int64(sub.GameID),
		monitor.AttrOwnerID.Int64(sub.OwnerID),
		monitor.AttrChallengeID.Int64(sub.ChallengeID),
		monitor.AttrVerdict.String(string(res.Status)),
	)
	p.metrics.RecordVerdict(string(res.Status), time.Since(start))

	p.log.Debug().
		Int64("submission_id", sub.ID).
		Int64("owner_id", sub.OwnerID).
		Int64("challenge_id", sub.ChallengeID).
		Str("status", string(res.Status)).
		Int("rank", rank).
		Msg("submission resolved")

	p.publish(ctx, sub, game, res, rank)
	return nil
}

// publish emits the verdict events. Blood notices and scoreboard invalidation
// only happen while the game is open.
func (p *Pipeline) publish(ctx context.Context, sub *storage.Submission, game *storage.Game, res storage.Resolution, rank int) {
	base := events.Event{
		GameID:       sub.GameID,
		OwnerID:      sub.OwnerID,
		ChallengeID:  sub.ChallengeID,
		SubmissionID: sub.ID,
		At:           p.now(),
	}
	open := game.IsOpen(sub.SubmitAt)

	switch res.Status {
	case storage.StatusAccepted:
		e := base
		e.Type = events.AnswerAccepted
		e.Rank = rank
		p.sink.Emit(ctx, e)

		if !open {
			return
		}
		if blood, ok := events.BloodType(rank); ok {
			notice := base
			notice.Type = blood
			notice.Rank = rank
			p.sink.Emit(ctx, notice)
		}
		if p.invalidator != nil {
			p.invalidator.Invalidate(ctx, cache.Request{
				Artifact: scoreboard.Artifact,
				Params:   []string{strconv.FormatInt(sub.GameID, 10)},
			})
		}

	case storage.StatusCheatDetected:
		e := base
		e.Type = events.CheatDetected
		if res.Cheat != nil {
			e.InstanceID = res.Cheat.SourceInstanceID
			e.Detail = "answer belongs to owner " + strconv.FormatInt(res.Cheat.SourceOwnerID, 10)
		}
		p.sink.Emit(ctx, e)

	default:
		e := base
		e.Type = events.AnswerRejected
		e.Detail = string(res.Status)
		p.sink.Emit(ctx, e)
	}
}
