// Package platform detects container resource limits (cgroup v2, with a
// v1 fallback) and exposes a CPU monitor used by the resource guard. It
// knows nothing about PSMB sessions; it only answers "how much memory
// and CPU does this process have."
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// MemoryLimit returns the container memory limit in bytes, trying cgroup
// v2 (/sys/fs/cgroup/memory.max) before falling back to cgroup v1
// (/sys/fs/cgroup/memory/memory.limit_in_bytes). Returns 0 with a nil
// error when no limit is detected (unlimited, or non-containerized).
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}

// DefaultMaxConnections derives a safe connection ceiling from the
// detected memory limit when the operator hasn't set one explicitly.
// A PSMB session is light: a small bufio.Reader, a pending inbox, and a
// couple of goroutines in the subscribe case, so the per-connection
// budget is modest.
func DefaultMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}
	const runtimeOverheadBytes = 64 * 1024 * 1024
	const bytesPerConnection = 16 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}
	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 200000 {
		maxConns = 200000
	}
	return maxConns
}

// ThrottleStats reports cgroup CFS throttling counters since the
// previous sample.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// containerCPU samples cumulative CPU usage from cgroup accounting
// files and derives a percentage relative to the container's own quota.
type containerCPU struct {
	mu             sync.RWMutex
	lastUsec       uint64
	lastSampleTime time.Time
	cgroupPath     string
	version        int
	allocatedCPUs  float64
	lastThrottle   ThrottleStats
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	cc := &containerCPU{
		lastSampleTime: time.Now(),
		cgroupPath:     path,
		version:        version,
		allocatedCPUs:  allocated,
		lastUsec:       usage,
	}
	if t, err := readThrottleStats(path, version); err == nil {
		cc.lastThrottle = t
	}
	return cc, nil
}

func (cc *containerCPU) percent() (float64, ThrottleStats, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: sample interval too small")
	}

	usage, err := readCPUUsage(cc.cgroupPath, cc.version)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	delta := usage - cc.lastUsec
	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	pct := raw / cc.allocatedCPUs

	var throttleDelta ThrottleStats
	if t, err := readThrottleStats(cc.cgroupPath, cc.version); err == nil {
		throttleDelta = ThrottleStats{
			NrPeriods:    t.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  t.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: t.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = t
	}

	cc.lastUsec = usage
	cc.lastSampleTime = now
	return pct, throttleDelta, nil
}

func detectCgroupPath() (string, int, error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("platform: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("platform: unexpected cpu.max %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("platform: usage_usec not found")
	}
	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottleStats(path string, version int) (ThrottleStats, error) {
	var stats ThrottleStats
	f, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec":
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time":
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}

// CPUMonitor reports CPU usage as a percentage of whatever's been
// allocated to this process, falling back to host-wide gopsutil
// sampling when cgroup detection fails (local dev, non-Linux).
type CPUMonitor struct {
	mode      string
	container *containerCPU
	logger    zerolog.Logger
}

// NewCPUMonitor builds a monitor, preferring container-aware accounting.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	cc, err := newContainerCPU()
	if err != nil {
		logger.Warn().Err(err).Msg("container CPU accounting unavailable, falling back to host sampling")
		return &CPUMonitor{mode: "host", logger: logger}
	}
	logger.Info().Float64("cpus_allocated", cc.allocatedCPUs).Str("cgroup_path", cc.cgroupPath).Msg("using container-aware CPU accounting")
	return &CPUMonitor{mode: "container", container: cc, logger: logger}
}

// Mode reports "container" or "host".
func (m *CPUMonitor) Mode() string { return m.mode }

// GetAllocation returns the number of CPUs available to this process.
func (m *CPUMonitor) GetAllocation() float64 {
	if m.mode == "container" {
		return m.container.allocatedCPUs
	}
	return float64(runtime.NumCPU())
}

// GetPercent returns CPU usage as a percentage of GetAllocation().
func (m *CPUMonitor) GetPercent() (float64, ThrottleStats, error) {
	if m.mode == "container" {
		return m.container.percent()
	}
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(pct) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: no CPU sample")
	}
	return pct[0], ThrottleStats{}, nil
}
