package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ctf-arena/internal/cache"
	"ctf-arena/internal/config"
	"ctf-arena/internal/container"
	"ctf-arena/internal/instance"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/storage"
	"ctf-arena/internal/verify"
)

type mockSubmitter struct {
	got verify.SubmitRequest
	err error
}

func (m *mockSubmitter) Submit(_ context.Context, req verify.SubmitRequest) (*storage.Submission, error) {
	m.got = req
	if m.err != nil {
		return nil, m.err
	}
	return &storage.Submission{ID: 7, GameID: 1, OwnerID: 10, ChallengeID: req.ChallengeID, SubmitAt: req.SubmitAt, Status: storage.StatusFlagSubmitted}, nil
}

type mockInstances struct {
	inst     *storage.Instance
	err      error
	stopped  string
	extended string
}

func (m *mockInstances) Provision(_ context.Context, ownerID, challengeID int64) (*storage.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	inst := *m.inst
	inst.OwnerID, inst.ChallengeID = ownerID, challengeID
	return &inst, nil
}

func (m *mockInstances) Get(_ context.Context, id string) (*storage.Instance, error) {
	if m.inst == nil || m.inst.ID != id {
		return nil, fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	inst := *m.inst
	return &inst, nil
}

func (m *mockInstances) Extend(_ context.Context, id string) (*storage.Instance, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.extended = id
	inst := *m.inst
	inst.ExpectStopAt = inst.ExpectStopAt.Add(time.Hour)
	return &inst, nil
}

func (m *mockInstances) Stop(_ context.Context, id string) error {
	if m.err != nil {
		return m.err
	}
	m.stopped = id
	return nil
}

type mockArtifacts struct {
	data []byte
	err  error
	req  cache.Request
}

func (m *mockArtifacts) Fetch(_ context.Context, req cache.Request) ([]byte, error) {
	m.req = req
	return m.data, m.err
}

type testEnv struct {
	handler   http.Handler
	submitter *mockSubmitter
	instances *mockInstances
	artifacts *mockArtifacts
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.PutOwner(ctx, &storage.Owner{ID: 10, GameID: 1, Name: "alpha", Token: "tok-a"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutOwner(ctx, &storage.Owner{ID: 11, GameID: 1, Name: "bravo", Token: "tok-b"}); err != nil {
		t.Fatal(err)
	}
	sub := &storage.Submission{GameID: 1, OwnerID: 10, ChallengeID: 100, Answer: "flag{x}", SubmitAt: time.Now()}
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		submitter: &mockSubmitter{},
		instances: &mockInstances{inst: &storage.Instance{
			ID: "inst-1", GameID: 1, OwnerID: 10, ChallengeID: 100,
			PublicIP: "203.0.113.10", PublicPort: 30001,
			Status: storage.InstanceRunning, ExpectStopAt: time.Now().Add(time.Hour),
		}},
		artifacts: &mockArtifacts{data: []byte(`{"game_id":1,"entries":[]}`)},
	}
	srv := NewServer(config.DefaultConfig(), Services{
		Store:       store,
		Submitter:   env.submitter,
		Instances:   env.instances,
		Artifacts:   env.artifacts,
		BackendName: "fake",
	}, monitor.NewMetrics())
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, ownerToken string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ownerToken != "" {
		req.Header.Set(OwnerTokenHeader, ownerToken)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp
}

func TestHandleSubmit_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/submissions", "", SubmitRequest{OwnerToken: "tok-a", ChallengeID: 100, Answer: "flag{abc}"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp SubmissionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != storage.StatusFlagSubmitted {
		t.Errorf("Status = %q, want FlagSubmitted", resp.Status)
	}
	if env.submitter.got.Answer != "flag{abc}" || env.submitter.got.SubmitAt.IsZero() {
		t.Errorf("submitter got %+v", env.submitter.got)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("flag{abc}")) {
		t.Error("response must not echo the answer")
	}
}

func TestHandleSubmit_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed", "{not json"},
		{"missing token", SubmitRequest{ChallengeID: 100, Answer: "x"}},
		{"missing challenge", SubmitRequest{OwnerToken: "tok-a", Answer: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/submissions", "", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		status   int
		wantCode string
	}{
		{verify.ErrInvalidAnswer, http.StatusBadRequest, "INVALID_ANSWER"},
		{verify.ErrUnknownOwner, http.StatusUnauthorized, "UNKNOWN_OWNER"},
		{fmt.Errorf("challenge 5: %w", verify.ErrWrongGame), http.StatusForbidden, "WRONG_GAME"},
		{verify.ErrGameNotStarted, http.StatusForbidden, "GAME_NOT_STARTED"},
		{fmt.Errorf("challenge 9: %w", storage.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			env := newTestEnv(t)
			env.submitter.err = tt.err

			rec := env.do(t, http.MethodPost, "/submissions", "", SubmitRequest{OwnerToken: "tok-a", ChallengeID: 100, Answer: "x"})
			if rec.Code != tt.status {
				t.Errorf("got status %d, want %d", rec.Code, tt.status)
			}
			if got := decodeError(t, rec); got.Code != tt.wantCode || got.RequestID == "" {
				t.Errorf("got %+v, want code %s with a request id", got, tt.wantCode)
			}
		})
	}
}

func TestHandleGetSubmission(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/submissions/1", "tok-a", nil); rec.Code != http.StatusOK {
		t.Errorf("owner read: got status %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/submissions/1", "tok-b", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign read: got status %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/submissions/1", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous read: got status %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/submissions/1", "tok-zzz", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: got status %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/submissions/abc", "tok-a", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got status %d, want 400", rec.Code)
	}
}

func TestHandleCreateInstance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/instances", "", InstanceRequest{OwnerToken: "tok-a", ChallengeID: 100})
	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp InstanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Entry != "203.0.113.10:30001" {
		t.Errorf("Entry = %q", resp.Entry)
	}
	if resp.Remaining.Duration <= 0 {
		t.Errorf("Remaining = %s, want positive", resp.Remaining)
	}
}

func TestHandleCreateInstance_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not container", instance.ErrNotContainer, http.StatusBadRequest},
		{"too frequent", instance.ErrTooFrequent, http.StatusTooManyRequests},
		{"busy", instance.ErrBusy, http.StatusConflict},
		{"backend", &container.OpError{Backend: "docker", Op: "create", Err: container.ErrCreateFailed}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.instances.err = tt.err
			rec := env.do(t, http.MethodPost, "/instances", "", InstanceRequest{OwnerToken: "tok-a", ChallengeID: 100})
			if rec.Code != tt.status {
				t.Errorf("got status %d, want %d", rec.Code, tt.status)
			}
		})
	}

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/instances", "", InstanceRequest{OwnerToken: "nobody", ChallengeID: 100})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown owner: got status %d, want 401", rec.Code)
	}
}

func TestInstanceOwnership(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/instances/inst-1", "tok-b", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign get: got status %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/instances/inst-1", "tok-b", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign delete: got status %d, want 404", rec.Code)
	}
	if env.instances.stopped != "" {
		t.Error("foreign delete must not stop the instance")
	}
	if rec := env.do(t, http.MethodGet, "/instances/missing", "tok-a", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: got status %d, want 404", rec.Code)
	}
}

func TestExtendAndDestroyInstance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/instances/inst-1/extend", "tok-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("extend: got status %d, want 200", rec.Code)
	}
	if env.instances.extended != "inst-1" {
		t.Errorf("extended %q", env.instances.extended)
	}

	rec = env.do(t, http.MethodDelete, "/instances/inst-1", "tok-a", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("destroy: got status %d, want 204", rec.Code)
	}
	if env.instances.stopped != "inst-1" {
		t.Errorf("stopped %q", env.instances.stopped)
	}

	env.instances.err = instance.ErrNotRenewable
	if rec := env.do(t, http.MethodPost, "/instances/inst-1/extend", "tok-a", nil); rec.Code != http.StatusConflict {
		t.Errorf("not renewable: got status %d, want 409", rec.Code)
	}
}

func TestHandleScoreboard(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/games/1/scoreboard", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"game_id":1,"entries":[]}` {
		t.Errorf("body = %s", rec.Body)
	}
	if env.artifacts.req.Key() != "scoreboard:1" {
		t.Errorf("fetched %q", env.artifacts.req.Key())
	}

	env.artifacts.err = fmt.Errorf("scoreboard:1: %w", cache.ErrRebuildPending)
	rec = env.do(t, http.MethodGet, "/games/1/scoreboard", "", nil)
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Errorf("pending rebuild: got status %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	if rec := env.do(t, http.MethodGet, "/games/x/scoreboard", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got status %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.Database || resp.Backend != "fake" {
		t.Errorf("got %+v", resp)
	}

	if rec := env.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics: got status %d, want 200", rec.Code)
	}
}
