package sched

import (
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// resourceSampler periodically samples system-wide CPU usage and the Go
// heap allocation so the scheduler can surface them alongside tick metrics
// in the heartbeat record, without blocking the tick loop itself on a
// syscall every iteration. memoryLimit is detected once at construction, since a
// cgroup's configured limit does not change over the process lifetime.
type resourceSampler struct {
	logger      zerolog.Logger
	cpuPercent  atomic.Uint64 // bits of a float64, via math.Float64bits
	memBytes    atomic.Uint64
	memoryLimit uint64
}

func newResourceSampler(logger zerolog.Logger) *resourceSampler {
	limit, err := detectCgroupMemoryLimit()
	if err != nil {
		logger.Debug().Err(err).Msg("could not detect cgroup memory limit")
	}
	return &resourceSampler{logger: logger, memoryLimit: limit}
}

// detectCgroupMemoryLimit reads the container memory limit, trying cgroup
// v2 first and falling back to v1. It returns 0 with no error when no
// limit is imposed (e.g. running outside a container).
func detectCgroupMemoryLimit() (uint64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr == "max" {
			return 0, nil
		}
		limit, err := strconv.ParseUint(limitStr, 10, 64)
		if err != nil {
			return 0, err
		}
		return limit, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		limit, err := strconv.ParseUint(limitStr, 10, 64)
		if err != nil {
			return 0, err
		}
		return limit, nil
	}

	return 0, nil
}

// MemoryLimitBytes returns the detected cgroup memory limit, or 0 if none
// was found (unconstrained or not running in a container).
func (rs *resourceSampler) MemoryLimitBytes() uint64 { return rs.memoryLimit }

// MemoryPressure returns the fraction of the cgroup memory limit currently
// allocated, or 0 if no limit was detected.
func (rs *resourceSampler) MemoryPressure() float64 {
	if rs.memoryLimit == 0 {
		return 0
	}
	return float64(rs.MemoryBytes()) / float64(rs.memoryLimit)
}

// sample takes a single CPU reading over a short window. 100ms is short
// enough not to stall the run loop noticeably at typical scheduler
// periods, and long enough for cpu.Percent to return a meaningful value
// (unlike a 0-duration call, which has no baseline on first use).
func (rs *resourceSampler) sample() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		rs.logger.Debug().Err(err).Msg("cpu sample failed")
	} else if len(percents) > 0 {
		rs.cpuPercent.Store(math.Float64bits(percents[0]))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rs.memBytes.Store(mem.Alloc)
}

// CPUPercent returns the most recently sampled system-wide CPU percentage.
func (rs *resourceSampler) CPUPercent() float64 {
	return math.Float64frombits(rs.cpuPercent.Load())
}

// MemoryBytes returns the most recently sampled heap allocation in bytes.
func (rs *resourceSampler) MemoryBytes() uint64 {
	return rs.memBytes.Load()
}

// startLoop runs sample() every interval until stop is closed.
func (rs *resourceSampler) startLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rs.sample()
			case <-stop:
				return
			}
		}
	}()
}
