// Package sched implements the Scheduler: a single-threaded cooperative
// node runner with per-node rate gating, priority ordering, deadline
// enforcement, watchdogs, and circuit breakers.
package sched

import "time"

// DeadlineMissPolicy controls what the scheduler does when a tick's
// measured duration exceeds its configured deadline.
type DeadlineMissPolicy int

const (
	Warn DeadlineMissPolicy = iota
	Skip
	Panic
	Degrade
)

// ExecutionMode names the scheduler's tick-dispatch strategy. Sequential
// ticks nodes one at a time in priority order; Parallel dispatches a
// round to a bounded worker pool and waits for it to finish, trading
// ordering for throughput. JIT and AsyncIO are carried as named config
// values for forward compatibility with the original's broader execution
// model (see DESIGN.md) but have no distinct implementation yet.
type ExecutionMode int

const (
	Sequential ExecutionMode = iota
	JIT
	Parallel
	AsyncIO
)

// TimingConfig governs the global and per-node tick cadence.
type TimingConfig struct {
	TickRateHz         float64
	DefaultNodeRateHz  float64
	DeadlineMonitoring bool
}

// FaultConfig governs circuit-breaker behavior.
type FaultConfig struct {
	CircuitBreakerEnabled bool
	MaxFailures           int
	RecoveryThreshold     int
	CircuitTimeout        time.Duration
	AutoRestart           bool
	RedundancyFactor      int
}

// MinRestartInterval is the floor between auto-restart probes: once a node's
// open circuit has been closed for a probe, it is not closed for another
// probe until this much time has passed. The first time a node's circuit
// opens, the probe happens on that node's next tick.
const MinRestartInterval = 5 * time.Second

// RealTimeConfig governs watchdog and deadline observability.
type RealTimeConfig struct {
	WatchdogEnabled    bool
	WatchdogTimeout    time.Duration
	DeadlineMissPolicy DeadlineMissPolicy
}

// DeterminismConfig governs optional strict-topology and reproducibility
// features.
type DeterminismConfig struct {
	StrictTopology          bool
	StartupBarrier          bool
	BarrierTimeout          time.Duration
	RNGSeed                 uint64
	FreezeTopologyAfterStart bool
	StaticExecutionOrder    bool
}

// ResourceConfig governs resource accounting sampled via gopsutil and
// surfaced alongside tick metrics in the heartbeat record.
type ResourceConfig struct {
	SampleCPU    bool
	SampleMemory bool
	SampleEvery  time.Duration
}

// Config is the complete scheduler configuration: execution, fault,
// real-time, determinism and resource sections, plus the execution mode
// and heartbeat/registry file locations.
type Config struct {
	Mode        ExecutionMode
	Timing      TimingConfig
	Fault       FaultConfig
	RealTime    RealTimeConfig
	Determinism DeterminismConfig
	Resources   ResourceConfig

	SchedulerName string
	HeartbeatDir  string
	RegistryPath  string
}

// Standard is a balanced preset suitable for typical robotics workloads:
// 100Hz tick rate, circuit breaker on with auto-restart, no strict
// determinism.
func Standard() Config {
	return Config{
		Mode: Sequential,
		Timing: TimingConfig{
			TickRateHz:         100,
			DefaultNodeRateHz:  100,
			DeadlineMonitoring: true,
		},
		Fault: FaultConfig{
			CircuitBreakerEnabled: true,
			MaxFailures:           5,
			RecoveryThreshold:     1,
			CircuitTimeout:        MinRestartInterval,
			AutoRestart:           true,
			RedundancyFactor:      1,
		},
		RealTime: RealTimeConfig{
			WatchdogEnabled:    true,
			WatchdogTimeout:    50 * time.Millisecond,
			DeadlineMissPolicy: Warn,
		},
		Resources: ResourceConfig{SampleCPU: true, SampleMemory: true, SampleEvery: time.Second},
	}
}

// SafetyCritical trips the circuit after a single failure and panics on
// deadline miss, for control loops where degraded operation is worse than
// stopping.
func SafetyCritical() Config {
	c := Standard()
	c.Fault.MaxFailures = 1
	c.Fault.AutoRestart = false
	c.RealTime.DeadlineMissPolicy = Panic
	c.RealTime.WatchdogTimeout = 10 * time.Millisecond
	return c
}

// HighPerformance raises the tick rate to 1kHz, tightens the watchdog
// timeout to 5ms, dispatches ticks in Parallel mode and degrades on a
// deadline miss, for throughput-oriented workloads.
func HighPerformance() Config {
	c := Standard()
	c.Mode = Parallel
	c.Timing.TickRateHz = 1000
	c.Timing.DefaultNodeRateHz = 1000
	c.RealTime.WatchdogTimeout = 5 * time.Millisecond
	c.RealTime.DeadlineMissPolicy = Degrade
	return c
}

// HardRealTime enables deterministic ordering and strict deadline
// enforcement for hard real-time control loops.
func HardRealTime() Config {
	c := SafetyCritical()
	c.Determinism.StaticExecutionOrder = true
	c.Determinism.StrictTopology = true
	c.RealTime.WatchdogTimeout = 2 * time.Millisecond
	return c
}

// Space is tuned for long-duration, low-bandwidth, high-fault-tolerance
// operation: slow tick rate, generous watchdogs, aggressive auto-restart.
func Space() Config {
	c := Standard()
	c.Timing.TickRateHz = 10
	c.Timing.DefaultNodeRateHz = 10
	c.Fault.MaxFailures = 10
	c.Fault.RedundancyFactor = 3
	c.RealTime.WatchdogTimeout = 500 * time.Millisecond
	c.RealTime.DeadlineMissPolicy = Degrade
	return c
}

// Swarm favors many lightweight nodes over strict per-node guarantees.
func Swarm() Config {
	c := Standard()
	c.Timing.TickRateHz = 50
	c.Fault.CircuitBreakerEnabled = true
	c.Fault.AutoRestart = true
	c.RealTime.DeadlineMissPolicy = Skip
	return c
}

// SoftRobotics relaxes deadline enforcement for compliant/soft actuators
// where occasional slow ticks are expected and harmless.
func SoftRobotics() Config {
	c := Standard()
	c.RealTime.DeadlineMissPolicy = Warn
	c.RealTime.WatchdogTimeout = 200 * time.Millisecond
	return c
}

// Deterministic enables the full determinism section for reproducible
// simulation and test runs.
func Deterministic() Config {
	c := Standard()
	c.Determinism.StaticExecutionOrder = true
	c.Determinism.StrictTopology = true
	c.Determinism.FreezeTopologyAfterStart = true
	c.Determinism.RNGSeed = 42
	return c
}
