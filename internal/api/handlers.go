package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"ctf-arena/internal/cache"
	"ctf-arena/internal/container"
	"ctf-arena/internal/instance"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/scoreboard"
	"ctf-arena/internal/storage"
	"ctf-arena/internal/verify"
)

// OwnerTokenHeader authenticates the participant on instance and submission reads.
const OwnerTokenHeader = "X-Owner-Token"

// Submitter is the ingress side of the verification pipeline.
type Submitter interface {
	Submit(ctx context.Context, req verify.SubmitRequest) (*storage.Submission, error)
}

// Instances controls per-owner challenge instances.
type Instances interface {
	Provision(ctx context.Context, ownerID, challengeID int64) (*storage.Instance, error)
	Get(ctx context.Context, id string) (*storage.Instance, error)
	Extend(ctx context.Context, id string) (*storage.Instance, error)
	Stop(ctx context.Context, id string) error
}

// Artifacts serves cached derived artifacts.
type Artifacts interface {
	Fetch(ctx context.Context, req cache.Request) ([]byte, error)
}

type Handlers struct {
	store     storage.Store
	submitter Submitter
	instances Instances
	artifacts Artifacts
	metrics   *monitor.Metrics
	now       func() time.Time
}

func NewHandlers(store storage.Store, submitter Submitter, instances Instances, artifacts Artifacts, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		store:     store,
		submitter: submitter,
		instances: instances,
		artifacts: artifacts,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.OwnerToken == "" {
		writeError(w, "owner_token is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ChallengeID <= 0 {
		writeError(w, "challenge_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	sub, err := h.submitter.Submit(r.Context(), verify.SubmitRequest{
		OwnerToken:  req.OwnerToken,
		ChallengeID: req.ChallengeID,
		Answer:      req.Answer,
		SubmitAt:    h.now(),
	})
	if err != nil {
		writeServiceError(w, err, r)
		return
	}

	writeJSON(w, http.StatusAccepted, submissionResponse(sub))
}

func (h *Handlers) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "submission ID must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sub, err := h.store.GetSubmission(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, r)
		return
	}
	if sub.OwnerID != owner.ID {
		writeError(w, "submission not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, submissionResponse(sub))
}

func (h *Handlers) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.OwnerToken == "" || req.ChallengeID <= 0 {
		writeError(w, "owner_token and challenge_id are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	owner, err := h.store.GetOwnerByToken(r.Context(), req.OwnerToken)
	if err != nil {
		writeOwnerError(w, err, r)
		return
	}

	inst, err := h.instances.Provision(r.Context(), owner.ID, req.ChallengeID)
	if err != nil {
		writeServiceError(w, err, r)
		return
	}

	writeJSON(w, http.StatusCreated, instanceResponse(inst, h.now()))
}

func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse(inst, h.now()))
}

func (h *Handlers) HandleExtendInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	inst, err := h.instances.Extend(r.Context(), inst.ID)
	if err != nil {
		writeServiceError(w, err, r)
		return
	}

	writeJSON(w, http.StatusOK, instanceResponse(inst, h.now()))
}

func (h *Handlers) HandleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	if err := h.instances.Stop(r.Context(), inst.ID); err != nil {
		writeServiceError(w, err, r)
		return
	}

	log.Info().
		Str("instance_id", inst.ID).
		Int64("owner_id", inst.OwnerID).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("instance stopped by owner")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleScoreboard(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || gameID <= 0 {
		writeError(w, "game ID must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	data, err := h.artifacts.Fetch(r.Context(), cache.Request{
		Artifact: scoreboard.Artifact,
		Params:   []string{strconv.FormatInt(gameID, 10)},
	})
	if err != nil {
		writeServiceError(w, err, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("failed to write scoreboard")
	}
}

// owner resolves the participant from the owner token header.
func (h *Handlers) owner(w http.ResponseWriter, r *http.Request) (*storage.Owner, bool) {
	token := r.Header.Get(OwnerTokenHeader)
	if token == "" {
		writeError(w, OwnerTokenHeader+" header is required", "OWNER_REQUIRED", http.StatusUnauthorized, r)
		return nil, false
	}
	owner, err := h.store.GetOwnerByToken(r.Context(), token)
	if err != nil {
		writeOwnerError(w, err, r)
		return nil, false
	}
	return owner, true
}

// ownedInstance loads the path instance and hides it from anyone but its owner.
func (h *Handlers) ownedInstance(w http.ResponseWriter, r *http.Request) (*storage.Instance, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "instance ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, false
	}
	owner, ok := h.owner(w, r)
	if !ok {
		return nil, false
	}

	inst, err := h.instances.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, r)
		return nil, false
	}
	if inst.OwnerID != owner.ID {
		writeError(w, "instance not found", "NOT_FOUND", http.StatusNotFound, r)
		return nil, false
	}
	return inst, true
}

func writeOwnerError(w http.ResponseWriter, err error, r *http.Request) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "unknown owner token", "UNKNOWN_OWNER", http.StatusUnauthorized, r)
		return
	}
	writeServiceError(w, err, r)
}

// writeServiceError maps domain errors to HTTP statuses. Unknown errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, err error, r *http.Request) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, verify.ErrInvalidAnswer):
		status, code = http.StatusBadRequest, "INVALID_ANSWER"
	case errors.Is(err, verify.ErrUnknownOwner):
		status, code = http.StatusUnauthorized, "UNKNOWN_OWNER"
	case errors.Is(err, verify.ErrWrongGame), errors.Is(err, instance.ErrWrongGame):
		status, code = http.StatusForbidden, "WRONG_GAME"
	case errors.Is(err, verify.ErrGameNotStarted):
		status, code = http.StatusForbidden, "GAME_NOT_STARTED"
	case errors.Is(err, instance.ErrNotContainer):
		status, code = http.StatusBadRequest, "NOT_CONTAINER"
	case errors.Is(err, instance.ErrTooFrequent):
		status, code = http.StatusTooManyRequests, "TOO_FREQUENT"
	case errors.Is(err, instance.ErrNotRenewable):
		status, code = http.StatusConflict, "NOT_RENEWABLE"
	case errors.Is(err, instance.ErrBusy):
		status, code = http.StatusConflict, "INSTANCE_BUSY"
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, cache.ErrRebuildPending):
		w.Header().Set("Retry-After", "1")
		status, code = http.StatusServiceUnavailable, "REBUILDING"
	case errors.Is(err, container.ErrCreateFailed), errors.Is(err, container.ErrNotReady),
		errors.Is(err, container.ErrDestroyFailed):
		status, code = http.StatusBadGateway, "BACKEND_FAILED"
	default:
		log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	msg := err.Error()
	if status == http.StatusBadGateway {
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("container backend failure")
		msg = "container backend failed, try again later"
	}
	writeError(w, msg, code, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
