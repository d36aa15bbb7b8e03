package api

import (
	"net"
	"strconv"
	"time"

	"ctf-arena/internal/storage"
)

// SubmitRequest is the ingress payload for an answer.
type SubmitRequest struct {
	OwnerToken  string `json:"owner_token"`
	ChallengeID int64  `json:"challenge_id"`
	Answer      string `json:"answer"`
}

// SubmissionResponse reports a submission's status. The answer is never echoed.
type SubmissionResponse struct {
	ID          int64                    `json:"id"`
	GameID      int64                    `json:"game_id"`
	ChallengeID int64                    `json:"challenge_id"`
	Status      storage.SubmissionStatus `json:"status"`
	Rank        int                      `json:"rank,omitempty"`
	SubmitAt    time.Time                `json:"submit_at"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
}

func submissionResponse(s *storage.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:          s.ID,
		GameID:      s.GameID,
		ChallengeID: s.ChallengeID,
		Status:      s.Status,
		Rank:        s.Rank,
		SubmitAt:    s.SubmitAt,
		ResolvedAt:  s.ResolvedAt,
	}
}

// InstanceRequest asks for the owner's instance of a container challenge.
type InstanceRequest struct {
	OwnerToken  string `json:"owner_token"`
	ChallengeID int64  `json:"challenge_id"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// InstanceResponse is what a participant needs to reach an instance.
type InstanceResponse struct {
	ID           string                 `json:"id"`
	ChallengeID  int64                  `json:"challenge_id"`
	Status       storage.InstanceStatus `json:"status"`
	Entry        string                 `json:"entry,omitempty"`
	PublicIP     string                 `json:"public_ip,omitempty"`
	PublicPort   int                    `json:"public_port,omitempty"`
	IsProxy      bool                   `json:"is_proxy"`
	ExpectStopAt time.Time              `json:"expect_stop_at"`
	Remaining    Duration               `json:"remaining"`
}

func instanceResponse(inst *storage.Instance, now time.Time) InstanceResponse {
	resp := InstanceResponse{
		ID:           inst.ID,
		ChallengeID:  inst.ChallengeID,
		Status:       inst.Status,
		PublicIP:     inst.PublicIP,
		PublicPort:   inst.PublicPort,
		IsProxy:      inst.IsProxy,
		ExpectStopAt: inst.ExpectStopAt,
	}
	if inst.IsProxy {
		resp.Entry = "/proxy/" + inst.ID
	} else if inst.PublicIP != "" && inst.PublicPort > 0 {
		resp.Entry = net.JoinHostPort(inst.PublicIP, strconv.Itoa(inst.PublicPort))
	}
	if left := inst.ExpectStopAt.Sub(now); left > 0 {
		resp.Remaining = Duration{Duration: left.Round(time.Second)}
	}
	return resp
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Backend  string `json:"backend"`
	Uptime   string `json:"uptime"`
}
