package sandbox

import (
	"time"

	units "github.com/docker/go-units"

	"github.com/obtura/deployd/pkg/types"
)

// Profile is the container-security profile applied to every customer
// container. It is fully determined by (plan tier, environment).
type Profile struct {
	// Resource caps
	NanoCPUs     int64 // CPU quota in units of 1e-9 CPUs
	MemoryBytes  int64 // memory limit; swap is pinned to the same value
	PidsLimit    int64
	StorageBytes int64
	AllowedPorts []int

	// Network
	DNS           []string
	PublishToHost bool

	// Security
	NoNewPrivileges bool
	ReadOnlyRoot    bool
	CapAdd          []string
	CapDrop         []string
	MaskedPaths     []string
	ReadOnlyPaths   []string
	Tmpfs           map[string]string

	// Lifecycle
	StartupTimeout time.Duration
}

// tierCaps are the monotonically increasing resource ceilings per tier
var tierCaps = map[types.PlanTier]struct {
	cpus    float64
	memory  int64
	pids    int64
	storage int64
}{
	types.TierStarter:    {cpus: 0.5, memory: 512 * units.MiB, pids: 128, storage: 1 * units.GiB},
	types.TierTeam:       {cpus: 1.0, memory: 1 * units.GiB, pids: 256, storage: 5 * units.GiB},
	types.TierBusiness:   {cpus: 2.0, memory: 2 * units.GiB, pids: 512, storage: 20 * units.GiB},
	types.TierEnterprise: {cpus: 4.0, memory: 8 * units.GiB, pids: 1024, storage: 100 * units.GiB},
}

// ProfileFor maps (plan tier, environment) to a sandbox profile.
// Unknown tiers fall back to starter.
func ProfileFor(tier types.PlanTier, env types.Environment) Profile {
	caps, ok := tierCaps[tier]
	if !ok {
		caps = tierCaps[types.TierStarter]
	}

	startupTimeout := 60 * time.Second
	if env == types.EnvProduction {
		startupTimeout = 180 * time.Second
	}

	return Profile{
		NanoCPUs:     int64(caps.cpus * 1e9),
		MemoryBytes:  caps.memory,
		PidsLimit:    caps.pids,
		StorageBytes: caps.storage,
		AllowedPorts: []int{80, 3000, 4000, 5000, 8000, 8080, 9000},

		DNS:           []string{"1.1.1.1", "8.8.8.8"},
		PublishToHost: true,

		NoNewPrivileges: true,
		// Most customer runtimes write to their working directory, so the
		// root filesystem stays writable; scratch paths go through tmpfs.
		ReadOnlyRoot: false,
		CapDrop:      []string{"ALL"},
		CapAdd: []string{
			"CHOWN",
			"DAC_OVERRIDE",
			"SETUID",
			"SETGID",
			"NET_BIND_SERVICE",
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
		},
		ReadOnlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=128m",
			"/var/tmp":   "rw,noexec,nosuid,size=64m",
			"/var/run":   "rw,noexec,nosuid,size=32m",
			"/var/cache": "rw,noexec,nosuid,size=64m",
		},

		StartupTimeout: startupTimeout,
	}
}
