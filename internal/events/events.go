// Package events carries domain notifications from the orchestrator and the
// verification pipeline to logs, subscribers and the audit table. Delivery is
// best effort; sinks never fail the operation that emitted the event.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	InstanceStarted   Type = "InstanceStarted"
	InstanceDestroyed Type = "InstanceDestroyed"
	AnswerAccepted    Type = "AnswerAccepted"
	AnswerRejected    Type = "AnswerRejected"
	CheatDetected     Type = "CheatDetected"
	FirstBlood        Type = "FirstBlood"
	SecondBlood       Type = "SecondBlood"
	ThirdBlood        Type = "ThirdBlood"
)

// BloodType maps a blood rank to its notice type. ok is false outside 1..3.
func BloodType(rank int) (t Type, ok bool) {
	switch rank {
	case 1:
		return FirstBlood, true
	case 2:
		return SecondBlood, true
	case 3:
		return ThirdBlood, true
	}
	return "", false
}

type Event struct {
	Type         Type      `json:"type"`
	GameID       int64     `json:"game_id"`
	OwnerID      int64     `json:"owner_id,omitempty"`
	ChallengeID  int64     `json:"challenge_id,omitempty"`
	SubmissionID int64     `json:"submission_id,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	Rank         int       `json:"rank,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Sink receives events. Emit must not block for long and must not panic.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes each event as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	ev := s.log.Info()
	if e.Type == CheatDetected {
		ev = s.log.Warn()
	}
	ev.Str("event", string(e.Type)).
		Int64("game_id", e.GameID).
		Int64("owner_id", e.OwnerID).
		Int64("challenge_id", e.ChallengeID).
		Int64("submission_id", e.SubmissionID).
		Str("instance_id", e.InstanceID).
		Int("rank", e.Rank).
		Str("detail", e.Detail).
		Msg("domain event")
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range f {
		s.Emit(ctx, e)
	}
}
