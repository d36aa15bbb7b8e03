// Package instance provisions, renews and tears down the per-owner challenge
// workloads and sweeps the ones whose lifetime has run out.
package instance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/container"
	"ctf-arena/internal/events"
	"ctf-arena/internal/flag"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/storage"
)

var (
	ErrNotContainer = errors.New("challenge is not served by an instance")
	ErrWrongGame    = errors.New("owner does not participate in the challenge's game")
	ErrTooFrequent  = errors.New("instance operation too frequent")
	ErrNotRenewable = errors.New("instance is outside its renewal window")
	ErrBusy         = errors.New("instance is being created or destroyed")
)

// teardownTimeout bounds a destroy once it has started. It is detached from the
// caller so shutdown never leaves a half-deleted workload.
const teardownTimeout = 2 * time.Minute

type Options struct {
	Lifetime      time.Duration
	RenewalWindow time.Duration
	Cooldown      time.Duration
}

type Manager struct {
	store   storage.Store
	backend container.Backend
	flags   *flag.Generator
	sink    events.Sink
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	opts    Options
	now     func() time.Time
	log     zerolog.Logger
}

func NewManager(store storage.Store, backend container.Backend, flags *flag.Generator, sink events.Sink,
	metrics *monitor.Metrics, tracer *monitor.Tracer, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = 2 * time.Hour
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = 10 * time.Minute
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{
		store:   store,
		backend: backend,
		flags:   flags,
		sink:    sink,
		metrics: metrics,
		tracer:  tracer,
		opts:    opts,
		now:     time.Now,
		log:     log.With().Str("component", "instances").Logger(),
	}
}

// Provision returns the owner's running instance for the challenge, creating one
// if none exists. At most one instance exists per (owner, challenge).
func (m *Manager) Provision(ctx context.Context, ownerID, challengeID int64) (inst *storage.Instance, err error) {
	ctx, span := m.tracer.StartSpan(ctx, "provision",
		monitor.AttrOwnerID.Int64(ownerID),
		monitor.AttrChallengeID.Int64(challengeID),
	)
	defer func() {
		monitor.EndSpan(span, err)
		m.metrics.RecordInstanceOp("provision", err)
	}()

	chal, err := m.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !chal.Type.IsContainer() {
		return nil, fmt.Errorf("challenge %d (%s): %w", chal.ID, chal.Type, ErrNotContainer)
	}
	owner, err := m.store.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.GameID != chal.GameID {
		return nil, fmt.Errorf("owner %d, game %d: %w", owner.ID, chal.GameID, ErrWrongGame)
	}

	existing, err := m.store.FindInstance(ctx, ownerID, challengeID)
	switch {
	case err == nil:
		if existing.Status == storage.InstanceRunning {
			return existing, nil
		}
		return nil, fmt.Errorf("instance %s is %s: %w", existing.ID, existing.Status, ErrBusy)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	game, err := m.store.GetGame(ctx, chal.GameID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	inst = &storage.Instance{
		ID:          uuid.NewString(),
		GameID:      chal.GameID,
		OwnerID:     owner.ID,
		ChallengeID: chal.ID,
		Flag:        m.secretFor(chal, owner, game),
		Image:       chal.Image,
		Port:        chal.ExposedPort,
		Status:      storage.InstancePending,
		CreatedAt:   now,
		LastOpAt:    now,
		// Set up front so a crash between insert and create is swept eventually.
		ExpectStopAt: now.Add(m.opts.Lifetime),
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("concurrent provision for owner %d: %w", owner.ID, ErrBusy)
		}
		return nil, err
	}

	logger := m.log.With().
		Str("instance_id", inst.ID).
		Int64("owner_id", owner.ID).
		Int64("challenge_id", chal.ID).
		Logger()
	span.SetAttributes(monitor.AttrInstanceID.String(inst.ID), monitor.AttrBackend.String(m.backend.Name()))

	start := time.Now()
	c, err := m.backend.CreateInstance(ctx, container.Spec{
		Image:       chal.Image,
		GameID:      chal.GameID,
		OwnerID:     owner.ID,
		OwnerName:   owner.Name,
		ChallengeID: chal.ID,
		ExposedPort: chal.ExposedPort,
		CPUMilli:    chal.CPUMilli,
		MemoryMB:    chal.MemoryMB,
		StorageMB:   chal.StorageMB,
		Flag:        inst.Flag,
		Privileged:  chal.Privileged,
	})
	m.metrics.RecordBackendOp(m.backend.Name(), "create", time.Since(start), err)
	if err != nil {
		logger.Error().Err(err).Msg("workload creation failed, releasing slot")
		m.release(inst.ID)
		return nil, err
	}

	inst.ContainerID = c.ID
	inst.ContainerName = c.Name
	inst.IP = c.IP
	inst.Port = c.Port
	inst.PublicIP = c.PublicIP
	inst.PublicPort = c.PublicPort
	inst.IsProxy = c.IsProxy
	inst.Status = storage.InstanceRunning
	inst.ExpectStopAt = m.now().Add(m.opts.Lifetime)

	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		logger.Error().Err(err).Str("container", c.Name).Msg("failed to record running instance, destroying workload")
		m.destroyDetached(c)
		m.release(inst.ID)
		return nil, fmt.Errorf("recording instance %s: %w", inst.ID, err)
	}

	logger.Info().
		Str("container", c.Name).
		Str("public", fmt.Sprintf("%s:%d", c.PublicIP, c.PublicPort)).
		Bool("proxy", c.IsProxy).
		Time("expect_stop_at", inst.ExpectStopAt).
		Msg("instance running")

	m.sink.Emit(ctx, events.Event{
		Type:        events.InstanceStarted,
		GameID:      inst.GameID,
		OwnerID:     inst.OwnerID,
		ChallengeID: inst.ChallengeID,
		InstanceID:  inst.ID,
		Detail:      c.Name,
	})
	return inst, nil
}

// secretFor picks the value injected into the workload: a per-owner secret for
// dynamic challenges, otherwise one of the static flags. Static images without
// configured flags carry their own and get nothing.
func (m *Manager) secretFor(chal *storage.Challenge, owner *storage.Owner, game *storage.Game) string {
	if chal.Type.IsDynamic() {
		return m.flags.Generate(flag.Input{
			Template:      chal.FlagTemplate,
			OwnerToken:    owner.Token,
			ChallengeID:   chal.ID,
			SigningSecret: game.SigningSecret,
		})
	}
	if len(chal.StaticFlags) == 0 {
		return ""
	}
	return chal.StaticFlags[rand.IntN(len(chal.StaticFlags))]
}

// Get returns an instance by id.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Instance, error) {
	return m.store.GetInstance(ctx, id)
}

// Extend pushes the expiry of a running instance out by one lifetime. It is only
// allowed once the instance is inside its renewal window.
func (m *Manager) Extend(ctx context.Context, id string) (inst *storage.Instance, err error) {
	defer func() { m.metrics.RecordInstanceOp("extend", err) }()

	inst, err = m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != storage.InstanceRunning {
		return nil, fmt.Errorf("instance %s is %s: %w", id, inst.Status, ErrBusy)
	}

	now := m.now()
	if now.Sub(inst.LastOpAt) < m.opts.Cooldown {
		return nil, fmt.Errorf("instance %s: %w", id, ErrTooFrequent)
	}
	if remaining := inst.ExpectStopAt.Sub(now); remaining > m.opts.RenewalWindow {
		return nil, fmt.Errorf("instance %s has %s left: %w", id, remaining.Round(time.Second), ErrNotRenewable)
	}

	inst.ExpectStopAt = now.Add(m.opts.Lifetime)
	inst.LastOpAt = now
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	m.log.Info().Str("instance_id", id).Time("expect_stop_at", inst.ExpectStopAt).Msg("instance extended")
	return inst, nil
}

// Stop destroys the workload and then deletes the record.
func (m *Manager) Stop(ctx context.Context, id string) (err error) {
	defer func() { m.metrics.RecordInstanceOp("stop", err) }()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == storage.InstancePending {
		return fmt.Errorf("instance %s: %w", id, ErrBusy)
	}
	if inst.Status == storage.InstanceRunning && m.now().Sub(inst.LastOpAt) < m.opts.Cooldown {
		return fmt.Errorf("instance %s: %w", id, ErrTooFrequent)
	}
	return m.teardown(ctx, inst, "stopped")
}

// teardown claims the instance by marking it destroyed, removes the workload and
// deletes the record. The record is only deleted after the backend confirms, so a
// failed destroy is retried on a later sweep. Losing the claim to a concurrent
// writer (an extension, another teardown) is reported as ErrConflict.
func (m *Manager) teardown(ctx context.Context, inst *storage.Instance, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	logger := m.log.With().Str("instance_id", inst.ID).Str("reason", reason).Logger()

	if inst.Status != storage.InstanceDestroyed {
		inst.Status = storage.InstanceDestroyed
		if err := m.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
	}

	c := &container.Container{ID: inst.ContainerID, Name: inst.ContainerName, Status: container.StatusRunning}
	start := time.Now()
	err := m.backend.DestroyInstance(ctx, c)
	m.metrics.RecordBackendOp(m.backend.Name(), "destroy", time.Since(start), err)
	if err != nil {
		logger.Error().Err(err).Str("container", inst.ContainerName).Msg("destroy failed, keeping record for retry")
		return err
	}

	if err := m.store.DeleteInstance(ctx, inst.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error().Err(err).Msg("workload destroyed but record delete failed")
		return err
	}

	logger.Info().Str("container", inst.ContainerName).Msg("instance destroyed")
	m.sink.Emit(ctx, events.Event{
		Type:        events.InstanceDestroyed,
		GameID:      inst.GameID,
		OwnerID:     inst.OwnerID,
		ChallengeID: inst.ChallengeID,
		InstanceID:  inst.ID,
		Detail:      reason,
	})
	return nil
}

func (m *Manager) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.DeleteInstance(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn().Err(err).Str("instance_id", id).Msg("failed to release pending instance, sweeper will remove it")
	}
}

func (m *Manager) destroyDetached(c *container.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := m.backend.DestroyInstance(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("container", c.Name).Msg("failed to destroy orphaned workload")
	}
}
