package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"secure-code-sandbox/internal/registry"
)

// scratchBytes is the tmpfs size for /tmp inside the boundary: enough
// for interpreter scratch files, far too small for staging exfiltration.
const scratchBytes = 16 * 1024 * 1024

// cfsPeriodMicros is the CFS scheduling period used for CPU caps.
const cfsPeriodMicros = 100000

// cfsQuota converts relative CPU shares (1024 = one core) into a hard
// CFS quota over cfsPeriodMicros.
func cfsQuota(shares int64) int64 {
	quota := int64(float64(shares) / 1024.0 * float64(cfsPeriodMicros))
	if quota < 1000 {
		quota = 1000 // minimum 1ms per period
	}
	return quota
}

// ApplyResourceLimits writes the execution's ceilings into the OCI spec.
func ApplyResourceLimits(spec *specs.Spec, limits registry.Ceilings) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard CPU cap; shares alone are best-effort.
	period := uint64(cfsPeriodMicros)
	quota := cfsQuota(limits.CPUShares)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes, // no swap headroom beyond the limit
	}

	pids := limits.PidsLimit
	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: pids,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%d", scratchBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 64, Soft: 64},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: scratchBytes, Soft: scratchBytes},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
