package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctf-arena/internal/cache"
	"ctf-arena/internal/events"
	"ctf-arena/internal/flag"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/storage"
)

const (
	gameID        = int64(1)
	ownerA        = int64(10)
	ownerB        = int64(11)
	outsider      = int64(99)
	containerChal = int64(100)
	staticChal    = int64(101)
	attachChal    = int64(102)
	otherGameChal = int64(200)

	tokenA = "token-a"
	tokenB = "token-b"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, req cache.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, req.Key())
}

func (r *recordingInvalidator) invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

// conflictStore fails the first n resolves with ErrConflict; n < 0 fails forever.
type conflictStore struct {
	*storage.Memory
	mu sync.Mutex
	n  int
}

func (s *conflictStore) ResolveSubmission(ctx context.Context, sub *storage.Submission, res storage.Resolution) (int, error) {
	s.mu.Lock()
	if s.n != 0 {
		if s.n > 0 {
			s.n--
		}
		s.mu.Unlock()
		return 0, fmt.Errorf("submission %d: %w", sub.ID, storage.ErrConflict)
	}
	s.mu.Unlock()
	return s.Memory.ResolveSubmission(ctx, sub, res)
}

type fixture struct {
	store       *storage.Memory
	sink        *recordingSink
	invalidator *recordingInvalidator
	metrics     *monitor.Metrics
	pipeline    *Pipeline
}

func seed(t *testing.T, store *storage.Memory, start, end time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutGame(ctx, &storage.Game{
		ID: gameID, Title: "quals", SigningSecret: "game-secret",
		StartAt: start, EndAt: end, BloodBonus: storage.DefaultBloodBonus(),
	}))
	require.NoError(t, store.PutGame(ctx, &storage.Game{
		ID: 2, Title: "finals", SigningSecret: "other", StartAt: start, EndAt: end,
	}))
	for _, c := range []storage.Challenge{
		{ID: containerChal, GameID: gameID, Type: storage.ChallengeDynamicContainer, FlagTemplate: "flag{[GUID]}", Image: "web", ExposedPort: 80},
		{ID: staticChal, GameID: gameID, Type: storage.ChallengeStaticAttachment, StaticFlags: []string{"flag{one}", "flag{two}"}},
		{ID: attachChal, GameID: gameID, Type: storage.ChallengeDynamicAttachment, FlagTemplate: "flag{[TEAM_HASH]}"},
		{ID: otherGameChal, GameID: 2, Type: storage.ChallengeStaticAttachment, StaticFlags: []string{"flag{x}"}},
	} {
		require.NoError(t, store.PutChallenge(ctx, &c))
	}
	for _, o := range []storage.Owner{
		{ID: ownerA, GameID: gameID, Name: "alpha", Token: tokenA},
		{ID: ownerB, GameID: gameID, Name: "bravo", Token: tokenB},
		{ID: outsider, GameID: 2, Name: "other", Token: "token-x"},
	} {
		require.NoError(t, store.PutOwner(ctx, &o))
	}
}

func newFixture(t *testing.T, store storage.Store, mem *storage.Memory, opts Options) *fixture {
	t.Helper()
	now := time.Now()
	seed(t, mem, now.Add(-time.Hour), now.Add(time.Hour))

	f := &fixture{
		store:       mem,
		sink:        &recordingSink{},
		invalidator: &recordingInvalidator{},
		metrics:     monitor.NewMetrics(),
	}
	f.pipeline = NewPipeline(store, flag.New("flag"), f.invalidator, f.sink, f.metrics, monitor.NewTracer(), opts)
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	mem := storage.NewMemory()
	return newFixture(t, mem, mem, Options{Workers: 2})
}

func (f *fixture) runningInstance(t *testing.T, owner int64, secret string) {
	t.Helper()
	require.NoError(t, f.store.CreateInstance(context.Background(), &storage.Instance{
		ID:          fmt.Sprintf("inst-%d", owner),
		GameID:      gameID,
		OwnerID:     owner,
		ChallengeID: containerChal,
		Flag:        secret,
		Status:      storage.InstanceRunning,
		CreatedAt:   time.Now(),
	}))
}

// submitAndDrain starts the pipeline, submits every request and waits for the verdicts.
func (f *fixture) submitAndDrain(t *testing.T, reqs ...SubmitRequest) []*storage.Submission {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx))

	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		ack, err := f.pipeline.Submit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFlagSubmitted, ack.Status)
		ids = append(ids, ack.ID)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.pipeline.Drain(drainCtx))

	out := make([]*storage.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := f.store.GetSubmission(ctx, id)
		require.NoError(t, err)
		out = append(out, sub)
	}
	return out
}

func TestOwnSecretIsAcceptedAsFirstBlood(t *testing.T) {
	f := newMemoryFixture(t)
	f.runningInstance(t, ownerA, "flag{abc}")

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenA, ChallengeID: containerChal, Answer: "flag{abc}"})

	assert.Equal(t, storage.StatusAccepted, subs[0].Status)
	assert.Equal(t, 1, subs[0].Rank)
	assert.Equal(t, []events.Type{events.AnswerAccepted, events.FirstBlood}, f.sink.types())
	assert.Equal(t, []string{"scoreboard:1"}, f.invalidator.invalidated())
}

func TestAnotherOwnersSecretIsCheating(t *testing.T) {
	f := newMemoryFixture(t)
	f.runningInstance(t, ownerA, "flag{abc}")
	f.runningInstance(t, ownerB, "flag{xyz}")

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenB, ChallengeID: containerChal, Answer: "flag{abc}"})

	assert.Equal(t, storage.StatusCheatDetected, subs[0].Status)
	records := f.store.CheatRecords()
	require.Len(t, records, 1)
	assert.Equal(t, subs[0].ID, records[0].SubmissionID)
	assert.Equal(t, ownerB, records[0].SubmitOwnerID)
	assert.Equal(t, ownerA, records[0].SourceOwnerID)
	assert.Equal(t, "inst-10", records[0].SourceInstanceID)
	assert.Equal(t, []events.Type{events.CheatDetected}, f.sink.types())
	assert.Empty(t, f.invalidator.invalidated())
}

func TestCheatDetectedAfterSourceInstanceIsSwept(t *testing.T) {
	mem := storage.NewMemory()
	f := newFixture(t, mem, mem, Options{Workers: 2})
	ctx := context.Background()
	const hashChal = int64(103)
	require.NoError(t, mem.PutChallenge(ctx, &storage.Challenge{
		ID: hashChal, GameID: gameID, Type: storage.ChallengeDynamicContainer,
		FlagTemplate: "flag{[TEAM_HASH]}", Image: "web", ExposedPort: 80,
	}))

	gen := flag.New("flag")
	secretOf := func(token string) string {
		return gen.Generate(flag.Input{Template: "flag{[TEAM_HASH]}", OwnerToken: token, ChallengeID: hashChal, SigningSecret: "game-secret"})
	}
	for _, o := range []struct {
		id    int64
		token string
	}{{ownerA, tokenA}, {ownerB, tokenB}} {
		require.NoError(t, mem.CreateInstance(ctx, &storage.Instance{
			ID: fmt.Sprintf("hash-%d", o.id), GameID: gameID, OwnerID: o.id, ChallengeID: hashChal,
			Flag: secretOf(o.token), Status: storage.InstanceRunning, CreatedAt: time.Now(),
		}))
	}
	// A's instance expired and was torn down.
	require.NoError(t, mem.DeleteInstance(ctx, "hash-10"))

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenB, ChallengeID: hashChal, Answer: secretOf(tokenA)})

	assert.Equal(t, storage.StatusCheatDetected, subs[0].Status)
	rec, err := mem.GetCheatRecord(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ownerA, rec.SourceOwnerID)
	assert.Empty(t, rec.SourceInstanceID)
}

func TestRandomSecretOfSweptInstanceIsWrongAnswer(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	f.runningInstance(t, ownerA, "flag{abc}")
	f.runningInstance(t, ownerB, "flag{xyz}")
	require.NoError(t, f.store.DeleteInstance(ctx, "inst-10"))

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenB, ChallengeID: containerChal, Answer: "flag{abc}"})

	assert.Equal(t, storage.StatusWrongAnswer, subs[0].Status)
	assert.Empty(t, f.store.CheatRecords())
}

func TestWrongAnswerWithoutMatchElsewhere(t *testing.T) {
	f := newMemoryFixture(t)
	f.runningInstance(t, ownerA, "flag{abc}")
	f.runningInstance(t, ownerB, "flag{xyz}")

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenB, ChallengeID: containerChal, Answer: "flag{guess}"})

	assert.Equal(t, storage.StatusWrongAnswer, subs[0].Status)
	assert.Empty(t, f.store.CheatRecords())
	assert.Equal(t, []events.Type{events.AnswerRejected}, f.sink.types())
}

func TestNoRunningInstanceIsNotFound(t *testing.T) {
	f := newMemoryFixture(t)

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenA, ChallengeID: containerChal, Answer: "flag{abc}"})
	assert.Equal(t, storage.StatusNotFound, subs[0].Status)
}

func TestBloodRanksFollowPersistedOrder(t *testing.T) {
	f := newMemoryFixture(t)

	subs := f.submitAndDrain(t,
		SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}"},
		SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{two}"},
		SubmitRequest{OwnerToken: tokenB, ChallengeID: staticChal, Answer: "flag{two}"},
	)

	ranks := map[int64][]int{}
	for _, sub := range subs {
		require.Equal(t, storage.StatusAccepted, sub.Status)
		ranks[sub.OwnerID] = append(ranks[sub.OwnerID], sub.Rank)
	}
	// The owner's second solve earns nothing; the two owners take ranks 1 and 2.
	assert.ElementsMatch(t, []int{1, 2}, []int{max(ranks[ownerA][0], ranks[ownerA][1]), ranks[ownerB][0]})
	assert.Contains(t, ranks[ownerA], 0)
}

func TestStaticFlagsAreNeverCheating(t *testing.T) {
	f := newMemoryFixture(t)

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenB, ChallengeID: staticChal, Answer: "flag{nope}"})
	assert.Equal(t, storage.StatusWrongAnswer, subs[0].Status)
	assert.Empty(t, f.store.CheatRecords())
}

func TestDynamicAttachmentRegeneratesSecret(t *testing.T) {
	f := newMemoryFixture(t)
	gen := flag.New("flag")
	secretOf := func(token string) string {
		return gen.Generate(flag.Input{Template: "flag{[TEAM_HASH]}", OwnerToken: token, ChallengeID: attachChal, SigningSecret: "game-secret"})
	}

	subs := f.submitAndDrain(t,
		SubmitRequest{OwnerToken: tokenA, ChallengeID: attachChal, Answer: secretOf(tokenA)},
		SubmitRequest{OwnerToken: tokenB, ChallengeID: attachChal, Answer: secretOf(tokenA)},
	)

	assert.Equal(t, storage.StatusAccepted, subs[0].Status)
	assert.Equal(t, storage.StatusCheatDetected, subs[1].Status)
	rec, err := f.store.GetCheatRecord(context.Background(), subs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, ownerA, rec.SourceOwnerID)
}

func TestNoBloodOrInvalidationAfterGameEnds(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	game, err := f.store.GetGame(ctx, gameID)
	require.NoError(t, err)
	game.EndAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.PutGame(ctx, game))

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}"})

	assert.Equal(t, storage.StatusAccepted, subs[0].Status)
	assert.Equal(t, []events.Type{events.AnswerAccepted}, f.sink.types())
	assert.Empty(t, f.invalidator.invalidated())
}

func TestSubmitRejections(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"empty answer", SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "   "}, ErrInvalidAnswer},
		{"too long", SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{" + strings.Repeat("a", 200) + "}"}, ErrInvalidAnswer},
		{"unknown token", SubmitRequest{OwnerToken: "nobody", ChallengeID: staticChal, Answer: "flag{one}"}, ErrUnknownOwner},
		{"other game", SubmitRequest{OwnerToken: tokenA, ChallengeID: otherGameChal, Answer: "flag{x}"}, ErrWrongGame},
		{"unknown challenge", SubmitRequest{OwnerToken: tokenA, ChallengeID: 404, Answer: "flag{x}"}, storage.ErrNotFound},
		{"before start", SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}", SubmitAt: time.Now().Add(-2 * time.Hour)}, ErrGameNotStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	unchecked, err := f.store.ListUncheckedSubmissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, unchecked)
}

func TestDrainLeavesNothingUnchecked(t *testing.T) {
	mem := storage.NewMemory()
	f := newFixture(t, mem, mem, Options{Workers: 4})
	f.runningInstance(t, ownerA, "flag{abc}")
	f.runningInstance(t, ownerB, "flag{bcd}")

	var reqs []SubmitRequest
	for i := range 60 {
		switch i % 3 {
		case 0:
			reqs = append(reqs, SubmitRequest{OwnerToken: tokenA, ChallengeID: containerChal, Answer: "flag{abc}"})
		case 1:
			reqs = append(reqs, SubmitRequest{OwnerToken: tokenB, ChallengeID: containerChal, Answer: "flag{abc}"})
		default:
			reqs = append(reqs, SubmitRequest{OwnerToken: tokenB, ChallengeID: staticChal, Answer: fmt.Sprintf("flag{%d}", i)})
		}
	}
	subs := f.submitAndDrain(t, reqs...)

	for _, sub := range subs {
		assert.True(t, sub.Status.Terminal(), "submission %d is %s", sub.ID, sub.Status)
	}
	unchecked, err := mem.ListUncheckedSubmissions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unchecked)
	assert.Len(t, mem.CheatRecords(), 20)
}

func TestConflictIsRequeued(t *testing.T) {
	mem := storage.NewMemory()
	store := &conflictStore{Memory: mem, n: 3}
	f := newFixture(t, store, mem, Options{Workers: 1, MaxConflictRetries: 5})

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}"})

	assert.Equal(t, storage.StatusAccepted, subs[0].Status)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Requeues))
	assert.Zero(t, testutil.ToFloat64(f.metrics.DeadLetters))
}

func TestPersistentConflictIsDeadLettered(t *testing.T) {
	mem := storage.NewMemory()
	store := &conflictStore{Memory: mem, n: -1}
	f := newFixture(t, store, mem, Options{Workers: 1, MaxConflictRetries: 2})

	subs := f.submitAndDrain(t, SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}"})

	assert.Equal(t, storage.StatusUnchecked, subs[0].Status, "dead-lettered submissions stay recoverable")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeadLetters))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Requeues))
}

func TestStartRecoversUncheckedSubmissions(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	pending := &storage.Submission{
		GameID: gameID, OwnerID: ownerA, ChallengeID: staticChal,
		Answer: "flag{two}", SubmitAt: time.Now(), Status: storage.StatusUnchecked,
	}
	require.NoError(t, f.store.CreateSubmission(ctx, pending))

	f.submitAndDrain(t)

	sub, err := f.store.GetSubmission(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAccepted, sub.Status)
}

// gatedStore holds the first resolve until release is closed.
type gatedStore struct {
	*storage.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) ResolveSubmission(ctx context.Context, sub *storage.Submission, res storage.Resolution) (int, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Memory.ResolveSubmission(ctx, sub, res)
}

func TestStopDoesNotPullBacklog(t *testing.T) {
	mem := storage.NewMemory()
	gated := &gatedStore{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, gated, mem, Options{Workers: 1, MaxConflictRetries: 3, DrainTimeout: 5 * time.Second})
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx))

	ids := make([]int64, 0, 5)
	for range 5 {
		ack, err := f.pipeline.Submit(ctx, SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{nope}"})
		require.NoError(t, err)
		ids = append(ids, ack.ID)
	}

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started verifying")
	}
	// Cancel while the first item is in flight, then let it finish.
	f.pipeline.cancel()
	close(gated.release)
	f.pipeline.Stop()

	resolved, unchecked := 0, 0
	for _, id := range ids {
		sub, err := mem.GetSubmission(ctx, id)
		require.NoError(t, err)
		if sub.Status == storage.StatusUnchecked {
			unchecked++
		} else {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 4, unchecked)

	pending, err := mem.ListUncheckedSubmissions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestStopLeavesQueuedWorkForRecovery(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx))
	f.pipeline.Stop()

	ack, err := f.pipeline.Submit(ctx, SubmitRequest{OwnerToken: tokenA, ChallengeID: staticChal, Answer: "flag{one}"})
	require.NoError(t, err)

	sub, err := f.store.GetSubmission(ctx, ack.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnchecked, sub.Status)
}
