// Package container creates and destroys the per-owner challenge workloads.
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"ctf-arena/internal/config"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusDestroyed Status = "Destroyed"
)

// Spec describes one workload to create.
type Spec struct {
	Image       string
	GameID      int64
	OwnerID     int64
	OwnerName   string
	ChallengeID int64
	ExposedPort int
	CPUMilli    int64
	MemoryMB    int64
	StorageMB   int64
	Flag        string // injected as FlagEnv when non-empty
	Privileged  bool
}

func (s Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}
	if s.ExposedPort < 1 || s.ExposedPort > 65535 {
		return fmt.Errorf("%w: exposed port must be 1-65535, got %d", ErrInvalidSpec, s.ExposedPort)
	}
	return nil
}

// Container is the network entry point of a created workload.
type Container struct {
	ID         string
	Name       string
	Image      string
	IP         string // address inside the runtime network
	Port       int
	PublicIP   string
	PublicPort int
	IsProxy    bool // only reachable through the in-process proxy
	Status     Status
	StartedAt  time.Time
}

// Workload is a managed container found on the backend, with the pair its labels name.
type Workload struct {
	Container
	OwnerID     int64
	ChallengeID int64
}

// Backend is a container runtime able to host challenge instances.
type Backend interface {
	CreateInstance(ctx context.Context, spec Spec) (*Container, error)
	// DestroyInstance removes the workload. An already absent workload is success.
	DestroyInstance(ctx context.Context, c *Container) error
	// ListManaged returns every workload carrying the arena's managed-by label.
	ListManaged(ctx context.Context) ([]Workload, error)
	Name() string
	Close() error
}

// Options are the backend-independent knobs shared by every implementation.
type Options struct {
	PublicEntry   string
	FlagEnv       string
	Defaults      Limits
	CreateRetries int
	PollInterval  time.Duration
	PollAttempts  int
	Registry      config.RegistryConfig
}

func optionsFromConfig(cfg *config.Config) Options {
	rc := cfg.Runtime
	return Options{
		PublicEntry: rc.PublicEntry,
		FlagEnv:     rc.FlagEnv,
		Defaults: Limits{
			CPUMilli:  rc.DefaultLimits.CPUMilli,
			MemoryMB:  rc.DefaultLimits.MemoryMB,
			StorageMB: rc.DefaultLimits.StorageMB,
		},
		CreateRetries: rc.CreateRetries,
		PollInterval:  rc.PollInterval,
		PollAttempts:  rc.PollAttempts,
		Registry:      rc.Registry,
	}
}

func (o Options) withDefaults() Options {
	if o.FlagEnv == "" {
		o.FlagEnv = "FLAG"
	}
	if o.CreateRetries < 1 {
		o.CreateRetries = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PollAttempts < 1 {
		o.PollAttempts = 60
	}
	if o.Defaults == (Limits{}) {
		o.Defaults = DefaultLimits()
	}
	return o
}

// NewBackend builds the backend selected by runtime.backend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Runtime.Backend {
	case "docker":
		backend, err := newDockerFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using Docker backend")
		return backend, nil
	case "kubernetes":
		backend, err := newKubernetesFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := backend.Bootstrap(ctx); err != nil {
			return nil, fmt.Errorf("bootstrapping kubernetes namespace: %w", err)
		}
		log.Info().Str("namespace", cfg.Runtime.Kubernetes.Namespace).Msg("using Kubernetes backend")
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be docker or kubernetes", cfg.Runtime.Backend)
	}
}

// poll calls check every interval until it reports done, returns an error, or
// attempts run out. Waits end early when ctx is cancelled.
func poll(ctx context.Context, interval time.Duration, attempts int, check func(ctx context.Context) (bool, error)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer.Reset(interval)
	}
	return ErrNotReady
}
