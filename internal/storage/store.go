package storage

import (
	"context"
	"time"
)

// Store is the persisted state shared by the orchestrator, the sweeper and the
// verification pipeline. Mutable rows (instances, submissions) carry a version
// stamp; writers that lose a race get ErrConflict.
type Store interface {
	GetGame(ctx context.Context, id int64) (*Game, error)
	GetChallenge(ctx context.Context, id int64) (*Challenge, error)
	ListChallenges(ctx context.Context, gameID int64) ([]Challenge, error)
	GetOwner(ctx context.Context, id int64) (*Owner, error)
	GetOwnerByToken(ctx context.Context, token string) (*Owner, error)
	ListOwners(ctx context.Context, gameID int64) ([]Owner, error)

	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	FindInstance(ctx context.Context, ownerID, challengeID int64) (*Instance, error)
	FindInstanceByFlag(ctx context.Context, challengeID int64, flag string, excludeOwnerID int64) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	DeleteInstance(ctx context.Context, id string) error
	ListDyingInstances(ctx context.Context, now time.Time) ([]Instance, error)

	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id int64) (*Submission, error)
	ListUncheckedSubmissions(ctx context.Context) ([]Submission, error)
	ResolveSubmission(ctx context.Context, sub *Submission, res Resolution) (int, error)
	ListAcceptedSubmissions(ctx context.Context, gameID int64) ([]Submission, error)
	GetCheatRecord(ctx context.Context, submissionID int64) (*CheatRecord, error)

	RecordEvent(ctx context.Context, rec *EventRecord) error

	PutGame(ctx context.Context, g *Game) error
	PutChallenge(ctx context.Context, c *Challenge) error
	PutOwner(ctx context.Context, o *Owner) error

	Healthy(ctx context.Context) bool
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
