package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/log"
	"github.com/obtura/deployd/pkg/sandbox"
	deploytypes "github.com/obtura/deployd/pkg/types"
)

const (
	// LabelPrefix marks every container the platform owns for later discovery
	LabelPrefix = "sh.obtura"

	// pullTimeout bounds one image pull
	pullTimeout = 5 * time.Minute

	// Health probe parameters applied to every managed container
	healthInterval    = 10 * time.Second
	healthTimeout     = 5 * time.Second
	healthRetries     = 3
	healthStartPeriod = 30 * time.Second
)

// engineAPI is the slice of the Docker client the adapter uses. Tests
// inject a fake; production wires *client.Client.
type engineAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// Adapter is a thin wrapper around the host Docker engine
type Adapter struct {
	api    engineAPI
	logger zerolog.Logger
}

// NewAdapter connects to the Docker engine. An empty host uses the
// environment (DOCKER_HOST or the default socket).
func NewAdapter(host string) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker engine: %w", err)
	}

	return &Adapter{api: cli, logger: log.WithComponent("runtime")}, nil
}

// NewAdapterWithAPI wires a custom engine implementation (tests)
func NewAdapterWithAPI(api engineAPI) *Adapter {
	return &Adapter{api: api, logger: log.WithComponent("runtime")}
}

// CreateSpec describes one container to create
type CreateSpec struct {
	Name          string
	Image         string
	Env           []string
	ContainerPort int
	HostPort      int
	HealthPath    string
	NetworkName   string
	Profile       sandbox.Profile
	Labels        map[string]string
}

// EnsureImage makes the image available locally, pulling only on absence
func (a *Adapter) EnsureImage(ctx context.Context, tag string) error {
	if _, _, err := a.api.ImageInspectWithRaw(ctx, tag); err == nil {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	rc, err := a.api.ImagePull(pullCtx, tag, image.PullOptions{})
	if err != nil {
		return Classify("pull image "+tag, err)
	}
	defer rc.Close()

	// The pull completes only once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return Classify("pull image "+tag, err)
	}

	a.logger.Debug().Str("image", tag).Msg("image pulled")
	return nil
}

// EnsureNetwork creates the named bridge network if it does not exist.
// Idempotent across concurrent callers: the already-exists race from a
// concurrent create is swallowed.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := a.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return Classify("list networks", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	_, err = a.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		if KindOf(Classify("", err)) == ErrKindInvalidConfig {
			// Lost the create race to a concurrent caller
			return nil
		}
		return Classify("create network "+name, err)
	}
	return nil
}

// Create creates a container with the sandbox profile applied and
// returns the engine handle.
func (a *Adapter) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.Image == "" || spec.Name == "" {
		return "", &Error{Kind: ErrKindInvalidConfig, Op: "create container", Err: fmt.Errorf("image and name are required")}
	}
	if spec.ContainerPort == 0 {
		spec.ContainerPort = 8080
	}
	if spec.HealthPath == "" {
		spec.HealthPath = "/"
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", &Error{Kind: ErrKindInvalidConfig, Op: "create container", Err: err}
	}

	labels := map[string]string{
		LabelPrefix + ".managed": "true",
	}
	for k, v := range spec.Labels {
		labels[LabelPrefix+"."+k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test: []string{"CMD-SHELL", fmt.Sprintf(
				"wget -q -O /dev/null http://127.0.0.1:%d%s || exit 1",
				spec.ContainerPort, spec.HealthPath)},
			Interval:    healthInterval,
			Timeout:     healthTimeout,
			Retries:     healthRetries,
			StartPeriod: healthStartPeriod,
		},
	}

	profile := spec.Profile
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:   profile.NanoCPUs,
			Memory:     profile.MemoryBytes,
			MemorySwap: profile.MemoryBytes, // swap == memory: no swap headroom
			PidsLimit:  &profile.PidsLimit,
		},
		CapDrop:        strslice.StrSlice(profile.CapDrop),
		CapAdd:         strslice.StrSlice(profile.CapAdd),
		ReadonlyRootfs: profile.ReadOnlyRoot,
		Tmpfs:          profile.Tmpfs,
		MaskedPaths:    profile.MaskedPaths,
		ReadonlyPaths:  profile.ReadOnlyPaths,
		DNS:            profile.DNS,
	}
	if profile.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
	if profile.PublishToHost && spec.HostPort > 0 {
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: {},
			},
		}
	}

	resp, err := a.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", Classify("create container "+spec.Name, err)
	}
	return resp.ID, nil
}

// Start starts a created container
func (a *Adapter) Start(ctx context.Context, containerID string) error {
	if err := a.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Classify("start container", err)
	}
	return nil
}

// State is the observed runtime + health state of a container
type State struct {
	Running  bool
	ExitCode int
	Health   deploytypes.HealthStatus
}

// Inspect returns the container's state and health. Containers without a
// configured health check report healthy once running.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (State, error) {
	info, err := a.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return State{}, Classify("inspect container", err)
	}

	st := State{Health: deploytypes.HealthStarting}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode

		switch {
		case info.State.Health == nil:
			if info.State.Running {
				st.Health = deploytypes.HealthHealthy
			}
		case info.State.Health.Status == "healthy":
			st.Health = deploytypes.HealthHealthy
		case info.State.Health.Status == "unhealthy":
			st.Health = deploytypes.HealthUnhealthy
		}

		if !st.Running && st.ExitCode != 0 {
			st.Health = deploytypes.HealthFailed
		}
	}
	return st, nil
}

// Stop stops a container with the given grace period
func (a *Adapter) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := a.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil {
		return Classify("stop container", err)
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (a *Adapter) Remove(ctx context.Context, containerID string) error {
	err := a.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		classified := Classify("remove container", err)
		if IsNotFound(classified) {
			return nil
		}
		return classified
	}
	return nil
}

// ListManaged returns the engine ids of all platform-owned containers
func (a *Adapter) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := a.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelPrefix+".managed=true")),
	})
	if err != nil {
		return nil, Classify("list containers", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
