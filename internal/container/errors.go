package container

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/docker/docker/errdefs"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidSpec   = errors.New("invalid instance spec")
	ErrCreateFailed  = errors.New("instance creation failed")
	ErrNotReady      = errors.New("instance did not become ready")
	ErrDestroyFailed = errors.New("instance destruction failed")
)

// OpError wraps a backend failure with the operation and workload it concerns.
type OpError struct {
	Backend string
	Op      string
	Name    string
	Err     error
}

func (e *OpError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Backend, e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the runtime API status code from err, or 0 when err did
// not come from a runtime API.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return int(status.Status().Code)
	}

	// errdefs.Is* stop at multi-%w wrappers, so walk the chain with errors.As.
	var (
		notFound     errdefs.ErrNotFound
		conflict     errdefs.ErrConflict
		invalid      errdefs.ErrInvalidParameter
		unauthorized errdefs.ErrUnauthorized
		forbidden    errdefs.ErrForbidden
		unavailable  errdefs.ErrUnavailable
		system       errdefs.ErrSystem
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &system):
		return http.StatusInternalServerError
	}
	return 0
}

// IsAbsent reports whether err means the workload no longer exists.
func IsAbsent(err error) bool {
	var notFound errdefs.ErrNotFound
	return errors.As(err, &notFound) || apierrors.IsNotFound(err)
}
