// Package node implements NodeInfo: the per-node mutable context a
// scheduler hands to every tick, carrying logging, pub/sub registration,
// rolling tick metrics, and heartbeat production.
package node

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a node's lifecycle state.
type State uint8

const (
	Initializing State = iota
	Running
	Paused
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is a coarse derived status, combining state and the failed-tick
// rate over all recorded ticks.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// TickMetrics is the rolling tick statistics NodeInfo maintains for a node.
type TickMetrics struct {
	TotalTicks   uint64
	Successful   uint64
	Failed       uint64
	ErrorCount   uint64
	MinDuration  time.Duration
	MaxDuration  time.Duration
	AvgDuration  time.Duration
	LastDuration time.Duration

	sumDuration time.Duration
}

// HeartbeatRecord is the JSON shape written to the heartbeat directory,
// keyed by node name, for external observability.
type HeartbeatRecord struct {
	Node           string  `json:"node"`
	State          string  `json:"state"`
	Health         Health  `json:"health"`
	TotalTicks     uint64  `json:"total_ticks"`
	Successful     uint64  `json:"successful_ticks"`
	Failed         uint64  `json:"failed_ticks"`
	ErrorCount     uint64  `json:"error_count"`
	MinDurationMs  float64 `json:"min_duration_ms"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	MaxDurationMs  float64 `json:"max_duration_ms"`
	LastMs         float64 `json:"last_duration_ms"`
	TargetRateHz   float64 `json:"target_rate_hz"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	UpdatedUnix    int64   `json:"updated_unix"`
}

// Info is the per-node mutable context: a NodeInfo. It is owned and
// mutated by exactly one node; the scheduler only reads through this
// interface between ticks (record_tick/heartbeat writes happen on the
// scheduler's single thread too, so no lock is required in practice, but
// the mutex guards the rare case of an external heartbeat reader).
type Info struct {
	name           string
	loggingEnabled bool
	logger         zerolog.Logger
	heartbeatDir   string
	targetRateHz   float64

	mu          sync.Mutex
	state       State
	metrics     TickMetrics
	tickStart   time.Time
	publishers  map[string]string
	subscribers map[string]string
	cpuPercent  float64
	memBytes    uint64
}

// New creates a NodeInfo for name, logging through logger, writing
// heartbeats to heartbeatDir (created if absent).
func New(name string, loggingEnabled bool, logger zerolog.Logger, heartbeatDir string, targetRateHz float64) *Info {
	return &Info{
		name:           name,
		loggingEnabled: loggingEnabled,
		logger:         logger.With().Str("node", name).Logger(),
		heartbeatDir:   heartbeatDir,
		targetRateHz:   targetRateHz,
		state:          Initializing,
		metrics: TickMetrics{
			MinDuration: time.Duration(math.MaxInt64),
		},
		publishers:  make(map[string]string),
		subscribers: make(map[string]string),
	}
}

// Name returns the node's name.
func (ni *Info) Name() string { return ni.name }

// SetState transitions the node's lifecycle state.
func (ni *Info) SetState(s State) {
	ni.mu.Lock()
	ni.state = s
	ni.mu.Unlock()
}

// State returns the node's current lifecycle state.
func (ni *Info) State() State {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	return ni.state
}

func (ni *Info) LogInfo(msg string)  { ni.log(zerolog.InfoLevel, msg) }
func (ni *Info) LogWarn(msg string)  { ni.log(zerolog.WarnLevel, msg) }
func (ni *Info) LogError(msg string) { ni.log(zerolog.ErrorLevel, msg) }
func (ni *Info) LogDebug(msg string) { ni.log(zerolog.DebugLevel, msg) }

func (ni *Info) log(level zerolog.Level, msg string) {
	if !ni.loggingEnabled {
		return
	}
	ni.logger.WithLevel(level).Msg(msg)
}

// LogPubSummary logs a publish event's lightweight summary and IPC cost.
func (ni *Info) LogPubSummary(topic, summary string, ipcNanos int64) {
	if !ni.loggingEnabled {
		return
	}
	ni.logger.Debug().Str("topic", topic).Str("summary", summary).Int64("ipc_ns", ipcNanos).Msg("pub")
}

// LogSubSummary logs a receive event's lightweight summary and IPC cost.
func (ni *Info) LogSubSummary(topic, summary string, ipcNanos int64) {
	if !ni.loggingEnabled {
		return
	}
	ni.logger.Debug().Str("topic", topic).Str("summary", summary).Int64("ipc_ns", ipcNanos).Msg("sub")
}

// RegisterPublisher idempotently records that this node publishes
// typeName on topic.
func (ni *Info) RegisterPublisher(topic, typeName string) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	if _, ok := ni.publishers[topic]; !ok {
		ni.publishers[topic] = typeName
	}
}

// RegisterSubscriber idempotently records that this node subscribes to
// typeName on topic.
func (ni *Info) RegisterSubscriber(topic, typeName string) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	if _, ok := ni.subscribers[topic]; !ok {
		ni.subscribers[topic] = typeName
	}
}

// Publishers returns a snapshot of the topic names registered as
// publishers.
func (ni *Info) Publishers() []string {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	out := make([]string, 0, len(ni.publishers))
	for topic := range ni.publishers {
		out = append(out, topic)
	}
	return out
}

// Subscribers returns a snapshot of the topic names registered as
// subscribers.
func (ni *Info) Subscribers() []string {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	out := make([]string, 0, len(ni.subscribers))
	for topic := range ni.subscribers {
		out = append(out, topic)
	}
	return out
}

// SetResourceUsage records the scheduler's most recent CPU% and memory
// reading (system-wide CPU and Go heap allocation, as sampled by the
// scheduler), surfaced in the next heartbeat record.
func (ni *Info) SetResourceUsage(cpuPercent float64, memBytes uint64) {
	ni.mu.Lock()
	ni.cpuPercent = cpuPercent
	ni.memBytes = memBytes
	ni.mu.Unlock()
}

// StartTick records the tick's begin time; call once at the top of each
// scheduler iteration for this node.
func (ni *Info) StartTick() {
	ni.mu.Lock()
	ni.tickStart = time.Now()
	ni.mu.Unlock()
}

// RecordTick updates rolling duration statistics and the success counter
// for a tick that completed without error. The scheduler, not this
// method, is responsible for failure-path bookkeeping (failure_count,
// consecutive_failures live on the scheduler's registered-node entry).
func (ni *Info) RecordTick() time.Duration {
	ni.mu.Lock()
	defer ni.mu.Unlock()

	duration := time.Since(ni.tickStart)
	m := &ni.metrics
	m.TotalTicks++
	m.Successful++
	m.LastDuration = duration
	if duration < m.MinDuration {
		m.MinDuration = duration
	}
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
	m.sumDuration += duration
	m.AvgDuration = m.sumDuration / time.Duration(m.TotalTicks)
	return duration
}

// RecordFailedTick updates rolling statistics for a tick that errored.
func (ni *Info) RecordFailedTick() time.Duration {
	ni.mu.Lock()
	defer ni.mu.Unlock()

	duration := time.Since(ni.tickStart)
	m := &ni.metrics
	m.TotalTicks++
	m.Failed++
	m.ErrorCount++
	m.LastDuration = duration
	if duration < m.MinDuration {
		m.MinDuration = duration
	}
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
	m.sumDuration += duration
	m.AvgDuration = m.sumDuration / time.Duration(m.TotalTicks)
	return duration
}

// Metrics returns a copy of the node's current rolling tick metrics.
func (ni *Info) Metrics() TickMetrics {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	return ni.metrics
}

// Health derives a coarse health label from state and the share of all
// recorded ticks that failed (down at 50% or more, degraded above 5%).
func (ni *Info) Health() Health {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	return deriveHealth(ni.state, ni.metrics)
}

func deriveHealth(state State, m TickMetrics) Health {
	switch state {
	case Failed, Stopped:
		return HealthDown
	}
	if m.TotalTicks == 0 {
		return HealthOK
	}
	errorRate := float64(m.Failed) / float64(m.TotalTicks)
	switch {
	case errorRate >= 0.5:
		return HealthDown
	case errorRate > 0.05:
		return HealthDegraded
	default:
		return HealthOK
	}
}

// WriteHeartbeat serializes the node's current state/health/metrics to
// its heartbeat file, via a temp-file-then-rename so external readers
// never observe a half-written file.
func (ni *Info) WriteHeartbeat(now time.Time) error {
	ni.mu.Lock()
	record := HeartbeatRecord{
		Node:           ni.name,
		State:          ni.state.String(),
		Health:         deriveHealth(ni.state, ni.metrics),
		TotalTicks:     ni.metrics.TotalTicks,
		Successful:     ni.metrics.Successful,
		Failed:         ni.metrics.Failed,
		ErrorCount:     ni.metrics.ErrorCount,
		MinDurationMs:  durationMs(ni.metrics.MinDuration),
		AvgDurationMs:  durationMs(ni.metrics.AvgDuration),
		MaxDurationMs:  durationMs(ni.metrics.MaxDuration),
		LastMs:         durationMs(ni.metrics.LastDuration),
		TargetRateHz:   ni.targetRateHz,
		CPUPercent:     ni.cpuPercent,
		MemoryRSSBytes: ni.memBytes,
		UpdatedUnix:    now.Unix(),
	}
	ni.mu.Unlock()

	if err := os.MkdirAll(ni.heartbeatDir, 0o755); err != nil {
		return fmt.Errorf("node: create heartbeat dir: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("node: marshal heartbeat for %q: %w", ni.name, err)
	}

	path := filepath.Join(ni.heartbeatDir, ni.name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("node: write heartbeat temp file for %q: %w", ni.name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("node: rename heartbeat file for %q: %w", ni.name, err)
	}
	return nil
}

// RemoveHeartbeat deletes the node's heartbeat file on graceful shutdown.
func (ni *Info) RemoveHeartbeat() error {
	path := filepath.Join(ni.heartbeatDir, ni.name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("node: remove heartbeat file for %q: %w", ni.name, err)
	}
	return nil
}

func durationMs(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
