package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardPresetBaseline(t *testing.T) {
	c := Standard()
	assert.Equal(t, float64(100), c.Timing.TickRateHz)
	assert.True(t, c.Fault.CircuitBreakerEnabled)
	assert.Equal(t, Warn, c.RealTime.DeadlineMissPolicy)
}

func TestSafetyCriticalTripsOnFirstFailureAndPanics(t *testing.T) {
	c := SafetyCritical()
	assert.Equal(t, 1, c.Fault.MaxFailures)
	assert.False(t, c.Fault.AutoRestart)
	assert.Equal(t, Panic, c.RealTime.DeadlineMissPolicy)
}

func TestHardRealTimeEnablesDeterminism(t *testing.T) {
	c := HardRealTime()
	assert.True(t, c.Determinism.StaticExecutionOrder)
	assert.True(t, c.Determinism.StrictTopology)
	assert.Equal(t, Panic, c.RealTime.DeadlineMissPolicy, "hard real time builds on safety-critical")
}

func TestDeterministicPresetPinsRNGSeed(t *testing.T) {
	c := Deterministic()
	assert.True(t, c.Determinism.StaticExecutionOrder)
	assert.Equal(t, uint64(42), c.Determinism.RNGSeed)
}

func TestHighPerformanceUsesParallelDispatch(t *testing.T) {
	c := HighPerformance()
	assert.Equal(t, Parallel, c.Mode)
	assert.Equal(t, float64(1000), c.Timing.TickRateHz)
}

func TestSpacePresetFavorsToleranceOverSpeed(t *testing.T) {
	c := Space()
	assert.Equal(t, float64(10), c.Timing.TickRateHz)
	assert.Equal(t, 10, c.Fault.MaxFailures)
	assert.Equal(t, 3, c.Fault.RedundancyFactor)
}

func TestAllPresetsCarrySchedulerDefaults(t *testing.T) {
	presets := []Config{
		Standard(), SafetyCritical(), HighPerformance(), HardRealTime(),
		Space(), Swarm(), SoftRobotics(), Deterministic(),
	}
	for _, c := range presets {
		assert.Greater(t, c.Timing.TickRateHz, float64(0))
	}
}
