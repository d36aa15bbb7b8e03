package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/monitor"
	"ctf-arena/internal/queue"
)

var (
	ErrUnknownArtifact = errors.New("unknown cache artifact")
	ErrRebuildPending  = errors.New("artifact rebuild in progress")
)

const lockPrefix = "_lock:"

// Request names one artifact instance, e.g. {"scoreboard", ["42"]} stored under
// "scoreboard:42". A zero TTL uses the service default.
type Request struct {
	Artifact string
	Params   []string
	TTL      time.Duration
}

func (r Request) Key() string {
	if len(r.Params) == 0 {
		return r.Artifact
	}
	return r.Artifact + ":" + strings.Join(r.Params, ":")
}

func (r Request) LockKey() string {
	return lockPrefix + r.Key()
}

// Handler rebuilds the bytes of one artifact.
type Handler interface {
	Build(ctx context.Context, params []string) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, params []string) ([]byte, error)

func (f HandlerFunc) Build(ctx context.Context, params []string) ([]byte, error) {
	return f(ctx, params)
}

type Options struct {
	DefaultTTL   time.Duration
	LockTTL      time.Duration
	FetchWait    time.Duration
	PollInterval time.Duration
}

// Service is the coherence pipeline: invalidations go through one queue and are
// rebuilt by a single consumer loop. Requests for a key that is already queued are
// coalesced.
type Service struct {
	cache    Cache
	handlers map[string]Handler
	metrics  *monitor.Metrics
	opts     Options

	queue   *queue.Queue[Request]
	mu      sync.Mutex
	pending map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewService takes the complete handler map; it is not modified afterwards.
func NewService(c Cache, handlers map[string]Handler, metrics *monitor.Metrics, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Service{
		cache:    c,
		handlers: handlers,
		metrics:  metrics,
		opts:     opts,
		queue:    queue.New[Request](),
		pending:  make(map[string]struct{}),
		log:      log.With().Str("component", "coherence").Logger(),
	}
}

// Invalidate drops the cached artifact and schedules a rebuild. It never blocks
// on the rebuild itself.
func (s *Service) Invalidate(ctx context.Context, req Request) {
	key := req.Key()
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to drop cached artifact")
	}

	s.mu.Lock()
	if _, queued := s.pending[key]; queued {
		s.mu.Unlock()
		return
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	if !s.queue.Push(req) {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.log.Warn().Str("key", key).Msg("coherence service stopped, rebuild not scheduled")
		return
	}
	s.metrics.QueueDepth.WithLabelValues("coherence").Set(float64(s.queue.Len()))
}

func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx)
	}()
	s.log.Info().Int("handlers", len(s.handlers)).Msg("cache coherence service started")
}

// Stop ends the consumer after its current rebuild. Queued requests are dropped;
// the artifacts are rebuilt on the next Fetch.
func (s *Service) Stop() {
	s.queue.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) consume(ctx context.Context) {
	for {
		req, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		key := req.Key()
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.metrics.QueueDepth.WithLabelValues("coherence").Set(float64(s.queue.Len()))

		_, built, err := s.rebuild(ctx, req)
		switch {
		case errors.Is(err, ErrUnknownArtifact):
			s.log.Error().Str("artifact", req.Artifact).Msg("no handler for artifact, dropping request")
		case err != nil:
			s.log.Error().Err(err).Str("key", key).Msg("artifact rebuild failed")
		case !built:
			s.log.Debug().Str("key", key).Msg("rebuild already in flight, skipping")
		}
	}
}

// rebuild regenerates the artifact if no other rebuild holds the lock. built is
// false when the lock was held elsewhere.
func (s *Service) rebuild(ctx context.Context, req Request) (data []byte, built bool, err error) {
	h, ok := s.handlers[req.Artifact]
	if !ok {
		s.metrics.RecordRebuild(req.Artifact, "unknown")
		return nil, false, fmt.Errorf("%s: %w", req.Artifact, ErrUnknownArtifact)
	}

	lockKey := req.LockKey()
	acquired, err := s.cache.SetNX(ctx, lockKey, []byte("1"), s.opts.LockTTL)
	if err != nil {
		s.metrics.RecordRebuild(req.Artifact, "error")
		return nil, false, fmt.Errorf("acquiring rebuild lock: %w", err)
	}
	if !acquired {
		s.metrics.RecordRebuild(req.Artifact, "skipped")
		return nil, false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.cache.Delete(releaseCtx, lockKey); err != nil {
			s.log.Warn().Err(err).Str("lock", lockKey).Msg("failed to release rebuild lock, it will expire")
		}
	}()

	start := time.Now()
	data, err = build(ctx, h, req.Params)
	if err != nil {
		s.metrics.RecordRebuild(req.Artifact, "error")
		return nil, false, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if err := s.cache.Set(ctx, req.Key(), data, ttl); err != nil {
		s.metrics.RecordRebuild(req.Artifact, "error")
		return nil, false, err
	}

	s.metrics.RecordRebuild(req.Artifact, "ok")
	s.log.Debug().Str("key", req.Key()).Int("bytes", len(data)).Dur("took", time.Since(start)).Msg("artifact rebuilt")
	return data, true, nil
}

func build(ctx context.Context, h Handler, params []string) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("artifact handler panicked: %v", r)
		}
	}()
	return h.Build(ctx, params)
}

// Fetch serves the cached artifact, rebuilding it on a miss. If another rebuild
// holds the lock it waits up to FetchWait for the result rather than serving
// anything stale.
func (s *Service) Fetch(ctx context.Context, req Request) ([]byte, error) {
	data, err := s.cache.Get(ctx, req.Key())
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	data, built, err := s.rebuild(ctx, req)
	if err != nil {
		return nil, err
	}
	if built {
		return data, nil
	}

	deadline := time.NewTimer(s.opts.FetchWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%s: %w", req.Key(), ErrRebuildPending)
		case <-ticker.C:
			data, err := s.cache.Get(ctx, req.Key())
			if err == nil {
				return data, nil
			}
			if !errors.Is(err, ErrCacheMiss) {
				return nil, err
			}
		}
	}
}
