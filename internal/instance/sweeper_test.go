package instance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctf-arena/internal/container"
	"ctf-arena/internal/events"
	"ctf-arena/internal/storage"
)

func TestSweepDestroysOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.manager.Provision(ctx, ownerA, dynamicChal)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	fresh, err := f.manager.Provision(ctx, ownerB, dynamicChal)
	require.NoError(t, err)

	s := NewSweeper(f.manager, time.Hour)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetInstance(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetInstance(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cid-web-0001"}, f.backend.destroyed)
}

func TestSweepKeepsRecordWhenDestroyFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.Provision(ctx, ownerA, dynamicChal)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	s := NewSweeper(f.manager, time.Hour)
	f.backend.destroyErr = fmt.Errorf("%w: timeout", container.ErrDestroyFailed)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.InstanceDestroyed, stored.Status)

	f.backend.destroyErr = nil
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.store.GetInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepRemovesStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Left behind by a crash between insert and workload creation.
	now := f.clock.Now()
	stale := &storage.Instance{
		ID: "stale", GameID: gameID, OwnerID: ownerA, ChallengeID: dynamicChal,
		Status: storage.InstancePending, CreatedAt: now, LastOpAt: now, ExpectStopAt: now.Add(time.Hour),
	}
	require.NoError(t, f.store.CreateInstance(ctx, stale))

	f.clock.Advance(2 * time.Hour)
	n, err := NewSweeper(f.manager, time.Hour).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.FindInstance(ctx, ownerA, dynamicChal)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweeperLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.manager.Provision(ctx, ownerA, dynamicChal)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	s := NewSweeper(f.manager, 10*time.Millisecond)
	s.Start(ctx)

	require.Eventually(t, func() bool {
		_, err := f.store.GetInstance(ctx, inst.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.Contains(t, f.sink.types(), events.InstanceDestroyed)
}
