package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/config"
)

// dockerAPI is the subset of the engine client the backend uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)
	ImagePull(ctx context.Context, refStr string, options imagetypes.PullOptions) (io.ReadCloser, error)
	Close() error
}

type DockerOptions struct {
	Options
	Network   string
	PidsLimit int64
	Security  SecurityProfile
}

// Docker runs every instance as a single container on one engine and publishes
// the exposed port on a random host port.
type Docker struct {
	api          dockerAPI
	opts         DockerOptions
	registryAuth string
	log          zerolog.Logger
}

func NewDocker(api dockerAPI, opts DockerOptions) (*Docker, error) {
	opts.Options = opts.Options.withDefaults()

	d := &Docker{
		api:  api,
		opts: opts,
		log:  log.With().Str("component", "docker").Logger(),
	}

	if opts.Registry.Enabled() {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      opts.Registry.Username,
			Password:      opts.Registry.Password,
			ServerAddress: opts.Registry.Server,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding registry auth: %w", err)
		}
		d.registryAuth = auth
	}
	return d, nil
}

func newDockerFromConfig(ctx context.Context, cfg *config.Config) (*Docker, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Runtime.Docker.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Runtime.Docker.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	security, err := NewSecurityProfile(cfg.Runtime.Docker.CapAdd, cfg.Runtime.Docker.Hardened)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	d, err := NewDocker(cli, DockerOptions{
		Options:   optionsFromConfig(cfg),
		Network:   cfg.Runtime.Docker.Network,
		PidsLimit: cfg.Runtime.Docker.PidsLimit,
		Security:  security,
	})
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return d, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Close() error {
	return d.api.Close()
}

func (d *Docker) buildConfig(spec Spec, name string) (*containertypes.Config, *containertypes.HostConfig, nat.Port) {
	port := nat.Port(strconv.Itoa(spec.ExposedPort) + "/tcp")
	limits := ResolveLimits(spec, d.opts.Defaults)

	cfg := &containertypes.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       workloadLabels(spec, name),
	}
	if spec.Flag != "" {
		cfg.Env = []string{d.opts.FlagEnv + "=" + spec.Flag}
	}

	hc := &containertypes.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "", HostPort: ""}}},
		Privileged:   spec.Privileged,
		Resources:    limits.dockerResources(d.opts.PidsLimit),
		StorageOpt:   limits.dockerStorageOpt(),
	}
	if d.opts.Network != "" {
		hc.NetworkMode = containertypes.NetworkMode(d.opts.Network)
	}
	if !spec.Privileged {
		d.opts.Security.applyDocker(hc)
	}
	return cfg, hc, port
}

// CreateInstance creates and starts the container, retrying name conflicts and
// pulling the image once if the engine does not have it.
func (d *Docker) CreateInstance(ctx context.Context, spec Spec) (*Container, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	logger := d.log.With().
		Str("image", spec.Image).
		Int64("owner_id", spec.OwnerID).
		Int64("challenge_id", spec.ChallengeID).
		Logger()

	var (
		resp   containertypes.CreateResponse
		name   string
		port   nat.Port
		pulled bool
	)
	for conflicts := 0; ; {
		name = WorkloadName(spec.Image)
		var cfg *containertypes.Config
		var hc *containertypes.HostConfig
		cfg, hc, port = d.buildConfig(spec, name)

		var err error
		resp, err = d.api.ContainerCreate(ctx, cfg, hc, nil, nil, name)
		if err == nil {
			break
		}

		switch {
		case errdefs.IsConflict(err) && conflicts+1 < d.opts.CreateRetries:
			conflicts++
			logger.Warn().Str("name", name).Int("attempt", conflicts).Msg("container name conflict, retrying")
			continue
		case errdefs.IsNotFound(err) && !pulled:
			pulled = true
			logger.Info().Str("name", name).Msg("image not present, pulling")
			if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
				logger.Error().Err(pullErr).Str("name", name).Int("status", StatusCode(pullErr)).Msg("image pull failed")
				return nil, &OpError{Backend: d.Name(), Op: "pull", Name: name, Err: fmt.Errorf("%w: %w", ErrCreateFailed, pullErr)}
			}
			continue
		}

		logger.Error().Err(err).Str("name", name).Int("status", StatusCode(err)).Msg("container create failed")
		return nil, &OpError{Backend: d.Name(), Op: "create", Name: name, Err: fmt.Errorf("%w: %w", ErrCreateFailed, err)}
	}

	logger = logger.With().Str("name", name).Str("container_id", resp.ID).Logger()
	for _, w := range resp.Warnings {
		logger.Warn().Str("warning", w).Msg("container create warning")
	}

	if err := d.api.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		logger.Error().Err(err).Int("status", StatusCode(err)).Msg("container start failed")
		d.removeQuietly(resp.ID)
		return nil, &OpError{Backend: d.Name(), Op: "start", Name: name, Err: fmt.Errorf("%w: %w", ErrCreateFailed, err)}
	}

	var info types.ContainerJSON
	err := poll(ctx, d.opts.PollInterval, d.opts.PollAttempts, func(ctx context.Context) (bool, error) {
		var err error
		info, err = d.api.ContainerInspect(ctx, resp.ID)
		if err != nil {
			return false, err
		}
		if info.State == nil {
			return false, nil
		}
		if info.State.Running {
			return true, nil
		}
		if info.State.Status == "exited" || info.State.Status == "dead" {
			return false, fmt.Errorf("container %s with exit code %d", info.State.Status, info.State.ExitCode)
		}
		return false, nil
	})
	if err != nil {
		logger.Error().Err(err).Int("status", StatusCode(err)).Msg("container did not reach running state")
		d.removeQuietly(resp.ID)
		return nil, &OpError{Backend: d.Name(), Op: "wait", Name: name, Err: fmt.Errorf("%w: %w", ErrNotReady, err)}
	}

	c := &Container{
		ID:        resp.ID,
		Name:      name,
		Image:     spec.Image,
		Port:      spec.ExposedPort,
		PublicIP:  d.opts.PublicEntry,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	if info.NetworkSettings != nil {
		c.IP = containerIP(info.NetworkSettings)
		if bindings := info.NetworkSettings.Ports[port]; len(bindings) > 0 {
			c.PublicPort, _ = strconv.Atoi(bindings[0].HostPort)
		}
	}
	if c.PublicPort == 0 {
		logger.Error().Msg("container has no published host port")
		d.removeQuietly(resp.ID)
		return nil, &OpError{Backend: d.Name(), Op: "inspect", Name: name, Err: fmt.Errorf("%w: no host port bound for %s", ErrCreateFailed, port)}
	}

	logger.Info().Str("ip", c.IP).Int("public_port", c.PublicPort).Msg("container running")
	return c, nil
}

func containerIP(ns *types.NetworkSettings) string {
	if ns.IPAddress != "" {
		return ns.IPAddress
	}
	for _, ep := range ns.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	rc, err := d.api.ImagePull(pullCtx, ref, imagetypes.PullOptions{RegistryAuth: d.registryAuth})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *Docker) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !IsAbsent(err) {
		d.log.Warn().Err(err).Str("container_id", id).Msg("failed to clean up container after create failure")
	}
}

// DestroyInstance force-removes the container.
func (d *Docker) DestroyInstance(ctx context.Context, c *Container) error {
	if c.ID == "" {
		c.Status = StatusDestroyed
		return nil
	}

	err := d.api.ContainerRemove(ctx, c.ID, containertypes.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		d.log.Info().Str("container_id", c.ID).Str("name", c.Name).Msg("container removed")
	case IsAbsent(err):
		d.log.Debug().Str("container_id", c.ID).Msg("container already absent")
	default:
		d.log.Warn().Err(err).Str("container_id", c.ID).Int("status", StatusCode(err)).Msg("container remove failed")
		return &OpError{Backend: d.Name(), Op: "remove", Name: c.Name, Err: fmt.Errorf("%w: %w", ErrDestroyFailed, err)}
	}

	c.Status = StatusDestroyed
	return nil
}

// ListManaged lists arena containers in any state.
func (d *Docker) ListManaged(ctx context.Context) ([]Workload, error) {
	list, err := d.api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, &OpError{Backend: d.Name(), Op: "list", Err: err}
	}

	out := make([]Workload, 0, len(list))
	for _, c := range list {
		status := StatusPending
		if c.State == "running" {
			status = StatusRunning
		}
		out = append(out, workloadFromLabels(Container{
			ID:        c.ID,
			Image:     c.Image,
			Status:    status,
			StartedAt: time.Unix(c.Created, 0),
		}, c.Labels))
	}
	return out, nil
}
