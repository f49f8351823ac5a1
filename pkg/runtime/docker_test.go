package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/obtura/deployd/pkg/sandbox"
	deploytypes "github.com/obtura/deployd/pkg/types"
)

// fakeEngine implements engineAPI with overridable hooks. Unset hooks
// return zero values.
type fakeEngine struct {
	imageInspect    func(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	imagePull       func(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	networkList     func(ctx context.Context, opts network.ListOptions) ([]network.Summary, error)
	networkCreate   func(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error)
	containerCreate func(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig,
		netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	containerStart   func(ctx context.Context, id string, opts container.StartOptions) error
	containerInspect func(ctx context.Context, id string) (types.ContainerJSON, error)
	containerStop    func(ctx context.Context, id string, opts container.StopOptions) error
	containerRemove  func(ctx context.Context, id string, opts container.RemoveOptions) error
	containerList    func(ctx context.Context, opts container.ListOptions) ([]types.Container, error)
}

func (f *fakeEngine) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	if f.imageInspect == nil {
		return types.ImageInspect{}, nil, nil
	}
	return f.imageInspect(ctx, imageID)
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	if f.imagePull == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return f.imagePull(ctx, ref, opts)
}

func (f *fakeEngine) NetworkList(ctx context.Context, opts network.ListOptions) ([]network.Summary, error) {
	if f.networkList == nil {
		return nil, nil
	}
	return f.networkList(ctx, opts)
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	if f.networkCreate == nil {
		return network.CreateResponse{}, nil
	}
	return f.networkCreate(ctx, name, opts)
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig,
	netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.containerCreate == nil {
		return container.CreateResponse{ID: "engine-1"}, nil
	}
	return f.containerCreate(ctx, cfg, hostCfg, netCfg, platform, name)
}

func (f *fakeEngine) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	if f.containerStart == nil {
		return nil
	}
	return f.containerStart(ctx, id, opts)
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if f.containerInspect == nil {
		return types.ContainerJSON{}, nil
	}
	return f.containerInspect(ctx, id)
}

func (f *fakeEngine) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	if f.containerStop == nil {
		return nil
	}
	return f.containerStop(ctx, id, opts)
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	if f.containerRemove == nil {
		return nil
	}
	return f.containerRemove(ctx, id, opts)
}

func (f *fakeEngine) ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
	if f.containerList == nil {
		return nil, nil
	}
	return f.containerList(ctx, opts)
}

// TestEnsureImagePresent tests that a locally present image is not pulled
func TestEnsureImagePresent(t *testing.T) {
	pulled := false
	eng := &fakeEngine{
		imagePull: func(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
			pulled = true
			return io.NopCloser(strings.NewReader("")), nil
		},
	}
	a := NewAdapterWithAPI(eng)

	if err := a.EnsureImage(context.Background(), "registry/app:v1"); err != nil {
		t.Fatalf("EnsureImage() error = %v", err)
	}
	if pulled {
		t.Error("EnsureImage() pulled an image that was already present")
	}
}

// TestEnsureImagePulls tests pull-on-absence and stream draining
func TestEnsureImagePulls(t *testing.T) {
	var drained bool
	eng := &fakeEngine{
		imageInspect: func(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
			return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
		},
		imagePull: func(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
			if ref != "registry/app:v2" {
				t.Errorf("ImagePull ref = %q, want registry/app:v2", ref)
			}
			return &drainTracker{Reader: strings.NewReader("progress"), done: &drained}, nil
		},
	}
	a := NewAdapterWithAPI(eng)

	if err := a.EnsureImage(context.Background(), "registry/app:v2"); err != nil {
		t.Fatalf("EnsureImage() error = %v", err)
	}
	if !drained {
		t.Error("EnsureImage() did not drain the pull progress stream")
	}
}

type drainTracker struct {
	io.Reader
	done *bool
}

func (d *drainTracker) Close() error {
	*d.done = true
	return nil
}

// TestEnsureNetworkExists tests the list-first fast path
func TestEnsureNetworkExists(t *testing.T) {
	created := false
	eng := &fakeEngine{
		networkList: func(ctx context.Context, opts network.ListOptions) ([]network.Summary, error) {
			return []network.Summary{{Name: "obtura-p1"}}, nil
		},
		networkCreate: func(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
			created = true
			return network.CreateResponse{}, nil
		},
	}
	a := NewAdapterWithAPI(eng)

	if err := a.EnsureNetwork(context.Background(), "obtura-p1"); err != nil {
		t.Fatalf("EnsureNetwork() error = %v", err)
	}
	if created {
		t.Error("EnsureNetwork() created a network that already exists")
	}
}

// TestEnsureNetworkRace tests that losing the create race is not an error
func TestEnsureNetworkRace(t *testing.T) {
	eng := &fakeEngine{
		networkCreate: func(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
			return network.CreateResponse{}, errdefs.Conflict(errors.New("network already exists"))
		},
	}
	a := NewAdapterWithAPI(eng)

	if err := a.EnsureNetwork(context.Background(), "obtura-p1"); err != nil {
		t.Fatalf("EnsureNetwork() error = %v, want nil on lost create race", err)
	}
}

// TestCreateAppliesProfile tests the sandbox-to-engine mapping
func TestCreateAppliesProfile(t *testing.T) {
	profile := sandbox.ProfileFor(deploytypes.TierStarter, deploytypes.EnvProduction)

	var gotCfg *container.Config
	var gotHost *container.HostConfig
	var gotNet *network.NetworkingConfig
	eng := &fakeEngine{
		containerCreate: func(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig,
			netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
			gotCfg, gotHost, gotNet = cfg, hostCfg, netCfg
			if name != "obtura-d1-blue-0" {
				t.Errorf("container name = %q", name)
			}
			return container.CreateResponse{ID: "engine-7"}, nil
		},
	}
	a := NewAdapterWithAPI(eng)

	id, err := a.Create(context.Background(), CreateSpec{
		Name:          "obtura-d1-blue-0",
		Image:         "registry/app:v1",
		Env:           []string{"PORT=3000"},
		ContainerPort: 3000,
		HostPort:      9100,
		HealthPath:    "/health",
		NetworkName:   "obtura-p1",
		Profile:       profile,
		Labels:        map[string]string{"deployment-id": "d1"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "engine-7" {
		t.Errorf("Create() id = %q, want engine-7", id)
	}

	if gotCfg.Labels[LabelPrefix+".managed"] != "true" {
		t.Error("managed label missing")
	}
	if gotCfg.Labels[LabelPrefix+".deployment-id"] != "d1" {
		t.Error("deployment-id label missing")
	}
	if gotCfg.Healthcheck == nil || !strings.Contains(gotCfg.Healthcheck.Test[1], ":3000/health") {
		t.Errorf("health check probe = %v", gotCfg.Healthcheck)
	}

	if gotHost.Resources.NanoCPUs != profile.NanoCPUs {
		t.Errorf("NanoCPUs = %d, want %d", gotHost.Resources.NanoCPUs, profile.NanoCPUs)
	}
	if gotHost.Resources.Memory != profile.MemoryBytes {
		t.Errorf("Memory = %d, want %d", gotHost.Resources.Memory, profile.MemoryBytes)
	}
	if gotHost.Resources.MemorySwap != profile.MemoryBytes {
		t.Error("MemorySwap must equal Memory")
	}
	if !gotHost.ReadonlyRootfs && profile.ReadOnlyRoot {
		t.Error("read-only root not applied")
	}
	if len(gotHost.CapDrop) != 1 || gotHost.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v, want [ALL]", gotHost.CapDrop)
	}
	if len(gotHost.SecurityOpt) != 1 || gotHost.SecurityOpt[0] != "no-new-privileges:true" {
		t.Errorf("SecurityOpt = %v", gotHost.SecurityOpt)
	}
	if len(gotHost.PortBindings) != 1 {
		t.Errorf("PortBindings = %v, want one binding", gotHost.PortBindings)
	}
	for _, bindings := range gotHost.PortBindings {
		if bindings[0].HostPort != "9100" {
			t.Errorf("host port = %q, want 9100", bindings[0].HostPort)
		}
	}

	if gotNet == nil || gotNet.EndpointsConfig["obtura-p1"] == nil {
		t.Error("network endpoint not configured")
	}
}

// TestCreateValidates tests required-field rejection
func TestCreateValidates(t *testing.T) {
	a := NewAdapterWithAPI(&fakeEngine{})

	_, err := a.Create(context.Background(), CreateSpec{Name: "n"})
	if KindOf(err) != ErrKindInvalidConfig {
		t.Errorf("Create() without image: kind = %q, want invalid_config", KindOf(err))
	}
}

// TestInspectHealthMapping tests engine state to health translation
func TestInspectHealthMapping(t *testing.T) {
	tests := []struct {
		name       string
		state      *types.ContainerState
		wantHealth deploytypes.HealthStatus
		wantRun    bool
	}{
		{
			name:       "running healthy",
			state:      &types.ContainerState{Running: true, Health: &types.Health{Status: "healthy"}},
			wantHealth: deploytypes.HealthHealthy,
			wantRun:    true,
		},
		{
			name:       "running unhealthy",
			state:      &types.ContainerState{Running: true, Health: &types.Health{Status: "unhealthy"}},
			wantHealth: deploytypes.HealthUnhealthy,
			wantRun:    true,
		},
		{
			name:       "running without probe",
			state:      &types.ContainerState{Running: true},
			wantHealth: deploytypes.HealthHealthy,
			wantRun:    true,
		},
		{
			name:       "probe still starting",
			state:      &types.ContainerState{Running: true, Health: &types.Health{Status: "starting"}},
			wantHealth: deploytypes.HealthStarting,
			wantRun:    true,
		},
		{
			name:       "crashed",
			state:      &types.ContainerState{Running: false, ExitCode: 137},
			wantHealth: deploytypes.HealthFailed,
		},
		{
			name:       "exited clean",
			state:      &types.ContainerState{Running: false, ExitCode: 0},
			wantHealth: deploytypes.HealthStarting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{
				containerInspect: func(ctx context.Context, id string) (types.ContainerJSON, error) {
					return types.ContainerJSON{
						ContainerJSONBase: &types.ContainerJSONBase{State: tt.state},
					}, nil
				},
			}
			st, err := NewAdapterWithAPI(eng).Inspect(context.Background(), "engine-1")
			if err != nil {
				t.Fatalf("Inspect() error = %v", err)
			}
			if st.Health != tt.wantHealth {
				t.Errorf("Health = %q, want %q", st.Health, tt.wantHealth)
			}
			if st.Running != tt.wantRun {
				t.Errorf("Running = %v, want %v", st.Running, tt.wantRun)
			}
		})
	}
}

// TestRemoveMissing tests that removing a missing container succeeds
func TestRemoveMissing(t *testing.T) {
	eng := &fakeEngine{
		containerRemove: func(ctx context.Context, id string, opts container.RemoveOptions) error {
			return errdefs.NotFound(errors.New("no such container"))
		},
	}
	if err := NewAdapterWithAPI(eng).Remove(context.Background(), "gone"); err != nil {
		t.Errorf("Remove() error = %v, want nil for missing container", err)
	}
}

// TestListManaged tests the ownership label filter
func TestListManaged(t *testing.T) {
	eng := &fakeEngine{
		containerList: func(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
			if !opts.All {
				t.Error("ListManaged must include stopped containers")
			}
			return []types.Container{{ID: "e1"}, {ID: "e2"}}, nil
		},
	}
	ids, err := NewAdapterWithAPI(eng).ListManaged(context.Background())
	if err != nil {
		t.Fatalf("ListManaged() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "e1" || ids[1] != "e2" {
		t.Errorf("ListManaged() = %v", ids)
	}
}
