package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used when no database DSN is configured and in tests.
// It enforces the same uniqueness and version rules as the Postgres store.
type Memory struct {
	mu sync.Mutex

	games       map[int64]Game
	challenges  map[int64]Challenge
	owners      map[int64]Owner
	instances   map[string]Instance
	submissions map[int64]Submission
	cheats      map[int64]CheatRecord
	events      []EventRecord

	nextSubmissionID int64
	now              func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		games:       make(map[int64]Game),
		challenges:  make(map[int64]Challenge),
		owners:      make(map[int64]Owner),
		instances:   make(map[string]Instance),
		submissions: make(map[int64]Submission),
		cheats:      make(map[int64]CheatRecord),
		now:         time.Now,
	}
}

// PutGame inserts or replaces a game. Games, challenges and owners are managed by
// the admin surface; the Put methods exist for seeding.
func (m *Memory) PutGame(_ context.Context, g *Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = *g
	return nil
}

func (m *Memory) PutChallenge(_ context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *c
	stored.StaticFlags = append([]string(nil), c.StaticFlags...)
	m.challenges[c.ID] = stored
	return nil
}

func (m *Memory) PutOwner(_ context.Context, o *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[o.ID] = *o
	return nil
}

func (m *Memory) GetGame(_ context.Context, id int64) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("game %d: %w", id, ErrNotFound)
	}
	return &g, nil
}

func (m *Memory) GetChallenge(_ context.Context, id int64) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %d: %w", id, ErrNotFound)
	}
	c.StaticFlags = append([]string(nil), c.StaticFlags...)
	return &c, nil
}

func (m *Memory) ListChallenges(_ context.Context, gameID int64) ([]Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Challenge
	for _, c := range m.challenges {
		if c.GameID == gameID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetOwner(_ context.Context, id int64) (*Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, fmt.Errorf("owner %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (m *Memory) GetOwnerByToken(_ context.Context, token string) (*Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.owners {
		if o.Token == token {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("owner by token: %w", ErrNotFound)
}

func (m *Memory) ListOwners(_ context.Context, gameID int64) ([]Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Owner
	for _, o := range m.owners {
		if o.GameID == gameID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrAlreadyExists)
	}
	for _, existing := range m.instances {
		if existing.OwnerID == inst.OwnerID && existing.ChallengeID == inst.ChallengeID {
			return fmt.Errorf("instance for owner %d challenge %d: %w", inst.OwnerID, inst.ChallengeID, ErrAlreadyExists)
		}
	}
	inst.Version = 1
	m.instances[inst.ID] = *inst
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return &inst, nil
}

func (m *Memory) FindInstance(_ context.Context, ownerID, challengeID int64) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.OwnerID == ownerID && inst.ChallengeID == challengeID {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance for owner %d challenge %d: %w", ownerID, challengeID, ErrNotFound)
}

func (m *Memory) FindInstanceByFlag(_ context.Context, challengeID int64, flag string, excludeOwnerID int64) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ChallengeID == challengeID && inst.OwnerID != excludeOwnerID && inst.Flag == flag && inst.Flag != "" {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance with flag for challenge %d: %w", challengeID, ErrNotFound)
}

func (m *Memory) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[inst.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
	}
	if stored.Version != inst.Version {
		return fmt.Errorf("instance %s version %d: %w", inst.ID, inst.Version, ErrConflict)
	}
	inst.Version++
	m.instances[inst.ID] = *inst
	return nil
}

func (m *Memory) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	delete(m.instances, id)
	return nil
}

func (m *Memory) ListDyingInstances(_ context.Context, now time.Time) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.instances {
		if !inst.ExpectStopAt.IsZero() && inst.ExpectStopAt.Before(now) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpectStopAt.Before(out[j].ExpectStopAt) })
	return out, nil
}

func (m *Memory) CreateSubmission(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubmissionID++
	sub.ID = m.nextSubmissionID
	sub.Version = 1
	if sub.Status == "" {
		sub.Status = StatusUnchecked
	}
	m.submissions[sub.ID] = *sub
	return nil
}

func (m *Memory) GetSubmission(_ context.Context, id int64) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	return &sub, nil
}

func (m *Memory) ListUncheckedSubmissions(_ context.Context) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Submission
	for _, sub := range m.submissions {
		if sub.Status == StatusUnchecked {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ResolveSubmission applies the verdict if sub.Version still matches the stored row.
// For accepted answers the blood rank is the number of distinct owners that were
// accepted before, plus one; an owner that already solved the challenge gets rank 0.
func (m *Memory) ResolveSubmission(_ context.Context, sub *Submission, res Resolution) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.submissions[sub.ID]
	if !ok {
		return 0, fmt.Errorf("submission %d: %w", sub.ID, ErrNotFound)
	}
	if stored.Version != sub.Version {
		return 0, fmt.Errorf("submission %d version %d: %w", sub.ID, sub.Version, ErrConflict)
	}

	rank := 0
	if res.Status == StatusAccepted {
		solvers := make(map[int64]struct{})
		already := false
		for _, other := range m.submissions {
			if other.ChallengeID != stored.ChallengeID || other.Status != StatusAccepted {
				continue
			}
			if other.OwnerID == stored.OwnerID {
				already = true
				break
			}
			solvers[other.OwnerID] = struct{}{}
		}
		if !already {
			rank = len(solvers) + 1
		}
	}

	now := m.now()
	stored.Status = res.Status
	stored.Rank = rank
	stored.ResolvedAt = &now
	stored.Version++
	m.submissions[stored.ID] = stored

	if res.Cheat != nil {
		if _, exists := m.cheats[stored.ID]; !exists {
			rec := *res.Cheat
			rec.SubmissionID = stored.ID
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			m.cheats[stored.ID] = rec
		}
	}

	*sub = stored
	return rank, nil
}

func (m *Memory) ListAcceptedSubmissions(_ context.Context, gameID int64) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Submission
	for _, sub := range m.submissions {
		if sub.GameID == gameID && sub.Status == StatusAccepted {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ResolvedAt, out[j].ResolvedAt
		if ri != nil && rj != nil && !ri.Equal(*rj) {
			return ri.Before(*rj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetCheatRecord(_ context.Context, submissionID int64) (*CheatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cheats[submissionID]
	if !ok {
		return nil, fmt.Errorf("cheat record for submission %d: %w", submissionID, ErrNotFound)
	}
	return &rec, nil
}

// CheatRecords returns every recorded cheat, ordered by submission.
func (m *Memory) CheatRecords() []CheatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheatRecord, 0, len(m.cheats))
	for _, rec := range m.cheats {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

func (m *Memory) RecordEvent(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *rec)
	return nil
}

// Events returns a copy of the recorded audit rows.
func (m *Memory) Events() []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRecord(nil), m.events...)
}

func (m *Memory) Healthy(context.Context) bool { return true }

func (m *Memory) Close() {}
