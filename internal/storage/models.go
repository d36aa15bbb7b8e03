package storage

import (
	"errors"
	"time"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("concurrent modification")
	ErrAlreadyExists = errors.New("record already exists")
)

// Game is one competition. SigningSecret is the game's private signing material
// from which per-challenge flag salts are derived.
type Game struct {
	ID            int64      `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	SigningSecret string     `json:"-" db:"signing_secret"`
	StartAt       time.Time  `json:"start_at" db:"start_at"`
	EndAt         time.Time  `json:"end_at" db:"end_at"`
	BloodBonus    BloodBonus `json:"blood_bonus" db:"blood_bonus"`
}

// IsOpen reports whether submissions still count towards the live competition.
func (g *Game) IsOpen(now time.Time) bool {
	return !now.Before(g.StartAt) && now.Before(g.EndAt)
}

// BloodBonus holds the first/second/third solve bonus in per mille of the challenge score.
type BloodBonus struct {
	First  int `json:"first"`
	Second int `json:"second"`
	Third  int `json:"third"`
}

// DefaultBloodBonus is 5%, 3% and 1%.
func DefaultBloodBonus() BloodBonus {
	return BloodBonus{First: 50, Second: 30, Third: 10}
}

// ForRank returns the bonus for the given blood rank, zero outside 1..3.
func (b BloodBonus) ForRank(rank int) int {
	switch rank {
	case 1:
		return b.First
	case 2:
		return b.Second
	case 3:
		return b.Third
	default:
		return 0
	}
}

type ChallengeType string

const (
	ChallengeStaticAttachment  ChallengeType = "StaticAttachment"
	ChallengeStaticContainer   ChallengeType = "StaticContainer"
	ChallengeDynamicAttachment ChallengeType = "DynamicAttachment"
	ChallengeDynamicContainer  ChallengeType = "DynamicContainer"
)

// IsContainer reports whether the challenge is served by a per-owner workload.
func (t ChallengeType) IsContainer() bool {
	return t == ChallengeStaticContainer || t == ChallengeDynamicContainer
}

// IsDynamic reports whether every owner gets its own secret.
func (t ChallengeType) IsDynamic() bool {
	return t == ChallengeDynamicContainer || t == ChallengeDynamicAttachment
}

type Challenge struct {
	ID            int64         `json:"id" db:"id"`
	GameID        int64         `json:"game_id" db:"game_id"`
	Title         string        `json:"title" db:"title"`
	Type          ChallengeType `json:"type" db:"type"`
	FlagTemplate  string        `json:"-" db:"flag_template"`
	StaticFlags   []string      `json:"-" db:"static_flags"`
	Image         string        `json:"image,omitempty" db:"image"`
	ExposedPort   int           `json:"exposed_port,omitempty" db:"exposed_port"`
	CPUMilli      int64         `json:"cpu_milli,omitempty" db:"cpu_milli"`
	MemoryMB      int64         `json:"memory_mb,omitempty" db:"memory_mb"`
	StorageMB     int64         `json:"storage_mb,omitempty" db:"storage_mb"`
	Privileged    bool          `json:"privileged,omitempty" db:"privileged"`
	OriginalScore int           `json:"original_score" db:"original_score"`
	MinScoreRate  float64       `json:"min_score_rate" db:"min_score_rate"`
	Difficulty    float64       `json:"difficulty" db:"difficulty"`
}

// Owner is a team (or solo user) participating in a game.
type Owner struct {
	ID     int64  `json:"id" db:"id"`
	GameID int64  `json:"game_id" db:"game_id"`
	Name   string `json:"name" db:"name"`
	Token  string `json:"-" db:"token"`
}

type InstanceStatus string

const (
	InstancePending   InstanceStatus = "Pending"
	InstanceRunning   InstanceStatus = "Running"
	InstanceDestroyed InstanceStatus = "Destroyed"
)

// Instance is the persisted state of one workload bound to an (owner, challenge) pair.
type Instance struct {
	ID            string         `json:"id" db:"id"`
	GameID        int64          `json:"game_id" db:"game_id"`
	OwnerID       int64          `json:"owner_id" db:"owner_id"`
	ChallengeID   int64          `json:"challenge_id" db:"challenge_id"`
	Flag          string         `json:"-" db:"flag"`
	ContainerID   string         `json:"container_id" db:"container_id"`
	ContainerName string         `json:"container_name" db:"container_name"`
	Image         string         `json:"image" db:"image"`
	IP            string         `json:"ip" db:"ip"`
	Port          int            `json:"port" db:"port"`
	PublicIP      string         `json:"public_ip" db:"public_ip"`
	PublicPort    int            `json:"public_port" db:"public_port"`
	IsProxy       bool           `json:"is_proxy" db:"is_proxy"`
	Status        InstanceStatus `json:"status" db:"status"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	ExpectStopAt  time.Time      `json:"expect_stop_at" db:"expect_stop_at"`
	LastOpAt      time.Time      `json:"last_op_at" db:"last_op_at"`
	Version       int64          `json:"-" db:"version"`
}

// Live reports whether the instance still occupies its (owner, challenge) slot.
func (i *Instance) Live() bool {
	return i.Status != InstanceDestroyed
}

type SubmissionStatus string

const (
	StatusUnchecked     SubmissionStatus = "Unchecked"
	StatusAccepted      SubmissionStatus = "Accepted"
	StatusWrongAnswer   SubmissionStatus = "WrongAnswer"
	StatusCheatDetected SubmissionStatus = "CheatDetected"
	StatusFlagSubmitted SubmissionStatus = "FlagSubmitted"
	StatusNotFound      SubmissionStatus = "NotFound"
)

// Terminal reports whether the pipeline has finished with the submission.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusCheatDetected, StatusNotFound:
		return true
	default:
		return false
	}
}

type Submission struct {
	ID          int64            `json:"id" db:"id"`
	GameID      int64            `json:"game_id" db:"game_id"`
	OwnerID     int64            `json:"owner_id" db:"owner_id"`
	ChallengeID int64            `json:"challenge_id" db:"challenge_id"`
	Answer      string           `json:"-" db:"answer"`
	SubmitAt    time.Time        `json:"submit_at" db:"submit_at"`
	Status      SubmissionStatus `json:"status" db:"status"`
	Rank        int              `json:"rank,omitempty" db:"rank"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	Version     int64            `json:"-" db:"version"`
}

// CheatRecord links a submission that carried another owner's secret to that owner.
type CheatRecord struct {
	SubmissionID     int64     `json:"submission_id" db:"submission_id"`
	GameID           int64     `json:"game_id" db:"game_id"`
	ChallengeID      int64     `json:"challenge_id" db:"challenge_id"`
	SubmitOwnerID    int64     `json:"submit_owner_id" db:"submit_owner_id"`
	SourceOwnerID    int64     `json:"source_owner_id" db:"source_owner_id"`
	SourceInstanceID string    `json:"source_instance_id" db:"source_instance_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Resolution is the final verdict the pipeline persists for a submission.
type Resolution struct {
	Status SubmissionStatus
	Cheat  *CheatRecord
}

// EventRecord is the audit row written for every domain event.
type EventRecord struct {
	ID           string    `json:"id" db:"id"`
	Type         string    `json:"type" db:"type"`
	GameID       int64     `json:"game_id" db:"game_id"`
	OwnerID      int64     `json:"owner_id" db:"owner_id"`
	ChallengeID  int64     `json:"challenge_id" db:"challenge_id"`
	SubmissionID int64     `json:"submission_id,omitempty" db:"submission_id"`
	InstanceID   string    `json:"instance_id,omitempty" db:"instance_id"`
	Detail       string    `json:"detail" db:"detail"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
