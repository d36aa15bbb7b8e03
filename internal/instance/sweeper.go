package instance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/storage"
)

// Sweeper periodically destroys instances whose expiry has passed.
type Sweeper struct {
	manager     *Manager
	interval    time.Duration
	orphanGrace time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		manager:     manager,
		interval:    interval,
		orphanGrace: orphanGrace,
		done:        make(chan struct{}),
		log:         log.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("instance sweeper started")
}

// Stop disables the timer and waits for the current pass to finish. A destroy
// already handed to the backend is never interrupted.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.log.Info().Msg("instance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many instances were destroyed. Per-instance
// failures are logged and left for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	dying, err := s.manager.store.ListDyingInstances(ctx, s.manager.now())
	if err != nil {
		return 0, err
	}
	if len(dying) == 0 {
		return 0, nil
	}

	s.log.Debug().Int("count", len(dying)).Msg("expired instances found")

	destroyed := 0
	for i := range dying {
		select {
		case <-s.done:
			return destroyed, nil
		case <-ctx.Done():
			return destroyed, nil
		default:
		}

		inst := &dying[i]
		err := s.manager.teardown(ctx, inst, "expired")
		switch {
		case err == nil:
			destroyed++
			s.manager.metrics.RecordSweep("destroyed")
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			// Extended or stopped since it was listed.
			s.manager.metrics.RecordSweep("skipped")
			s.log.Debug().Str("instance_id", inst.ID).Msg("instance changed since listing, skipping")
		default:
			s.manager.metrics.RecordSweep("failed")
			s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to destroy expired instance")
		}
	}

	if destroyed > 0 {
		s.log.Info().Int("destroyed", destroyed).Int("expired", len(dying)).Msg("sweep complete")
	}
	return destroyed, nil
}
