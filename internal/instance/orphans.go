package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ctf-arena/internal/container"
	"ctf-arena/internal/storage"
)

// orphanGrace skips young workloads whose create may still be writing its record.
const orphanGrace = 10 * time.Minute

// ReapOrphans removes managed workloads that no live instance record points at,
// such as those left by a crash between the backend create and the record update.
// It returns how many were removed.
func (s *Sweeper) ReapOrphans(ctx context.Context) (int, error) {
	m := s.manager
	workloads, err := m.backend.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing managed workloads: %w", err)
	}

	cutoff := m.now().Add(-s.orphanGrace)
	reaped := 0
	for i := range workloads {
		w := &workloads[i]
		if w.StartedAt.After(cutoff) {
			continue
		}

		logger := s.log.With().Str("container_id", w.ID).Str("container", w.Name).Logger()
		tracked, err := s.tracked(ctx, w)
		if err != nil {
			logger.Warn().Err(err).Msg("orphan check failed")
			continue
		}
		if tracked {
			continue
		}

		logger.Info().Int64("owner_id", w.OwnerID).Int64("challenge_id", w.ChallengeID).Msg("removing orphaned workload")
		start := time.Now()
		err = m.backend.DestroyInstance(ctx, &w.Container)
		m.metrics.RecordBackendOp(m.backend.Name(), "destroy", time.Since(start), err)
		if err != nil {
			m.metrics.RecordSweep("failed")
			logger.Error().Err(err).Msg("failed to remove orphaned workload")
			continue
		}
		m.metrics.RecordSweep("orphan")
		reaped++
	}

	if reaped > 0 {
		s.log.Info().Int("count", reaped).Msg("orphaned workloads removed")
	}
	return reaped, nil
}

func (s *Sweeper) tracked(ctx context.Context, w *container.Workload) (bool, error) {
	if w.OwnerID == 0 || w.ChallengeID == 0 {
		return false, nil
	}
	inst, err := s.manager.store.FindInstance(ctx, w.OwnerID, w.ChallengeID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// A destroyed record still owns its workload until teardown deletes both.
	return inst.ContainerID == w.ID || (inst.ContainerName != "" && inst.ContainerName == w.Name), nil
}
