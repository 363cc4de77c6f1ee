package sched

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/water236/horus/internal/metrics"
	"github.com/water236/horus/internal/node"
)

// Node is the minimal contract the scheduler drives: a synchronous tick.
// Host code may additionally implement Initializer and Shutdowner; the
// scheduler type-asserts for them rather than requiring empty stub
// methods on every node (Go's answer to "fall back to a no-arg init if
// the node doesn't expose one" — the node simply doesn't implement the
// interface).
type Node interface {
	Tick(ctx *node.Info) error
}

// Initializer is implemented by nodes that need one-time setup before the
// run loop starts.
type Initializer interface {
	Init(ctx *node.Info) error
}

// Shutdowner is implemented by nodes that need cleanup when the scheduler
// stops.
type Shutdowner interface {
	Shutdown(ctx *node.Info) error
}

// TopologyDeclarer lets a node declare the topics it intends to publish
// and subscribe to. The lists are captured at registration time and kept
// on the registered node. The process registry lists the topics a node
// actually used (node.Info.Publishers/Subscribers), not the declared ones,
// and the run loop does not check ticks against the declared lists, even
// with Determinism.StrictTopology set.
type TopologyDeclarer interface {
	DeclaredPublishers() []string
	DeclaredSubscribers() []string
}

type registeredNode struct {
	node     Node
	name     string
	priority int
	info     *node.Info

	rateHz   float64
	lastTick time.Time

	deadline          time.Duration
	hasDeadline       bool
	deadlineMissCount uint64

	failureCount            uint64
	consecutiveFailureCount int
	circuitOpen             bool
	lastRestartAttempt      time.Time
	hasRestartAttempt       bool

	watchdogEnabled  bool
	watchdogTimeout  time.Duration
	lastWatchdogFeed time.Time
	watchdogExpired  bool

	declaredPublishers  []string
	declaredSubscribers []string
}

// Scheduler is the single-threaded cooperative node runner: it owns a set
// of registered nodes, ticks each in priority order at its configured
// rate, and enforces deadlines, watchdogs, and circuit breakers around
// each tick.
type Scheduler struct {
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	nodes []*registeredNode

	running      atomic.Bool
	insertionSeq int

	sampler     *resourceSampler
	stopSampler chan struct{}

	prom *metrics.Registry

	workerPool *tickWorkerPool

	orderFrozen bool
	frozenOrder []*registeredNode
}

// New creates a Scheduler with config, logging through logger.
func New(config Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config:      config,
		logger:      logger.With().Str("scheduler", config.SchedulerName).Logger(),
		sampler:     newResourceSampler(logger),
		stopSampler: make(chan struct{}),
	}
}

// SetMetrics attaches a Registry whose scheduler gauges/counters tickOne
// will update going forward (tick duration, deadline misses, circuit
// breaker state, per-node failures).
func (s *Scheduler) SetMetrics(r *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prom = r
}

// Add registers a node with priority (lower runs earlier), logging
// enabled/disabled, and an optional rate override (0 uses the scheduler's
// default node rate). It returns the NodeInfo context the node's tick
// will receive.
func (s *Scheduler) Add(n Node, name string, priority int, loggingEnabled bool, rateHz float64) *node.Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rateHz <= 0 {
		rateHz = s.config.Timing.DefaultNodeRateHz
	}

	ctx := node.New(name, loggingEnabled, s.logger, s.config.HeartbeatDir, rateHz)

	rn := &registeredNode{
		node:            n,
		name:            name,
		priority:        priority,
		info:            ctx,
		rateHz:          rateHz,
		watchdogEnabled: s.config.RealTime.WatchdogEnabled,
		watchdogTimeout: s.config.RealTime.WatchdogTimeout,
	}

	if declarer, ok := n.(TopologyDeclarer); ok {
		rn.declaredPublishers = declarer.DeclaredPublishers()
		rn.declaredSubscribers = declarer.DeclaredSubscribers()
	}

	s.insertionSeq++
	s.nodes = append(s.nodes, rn)
	return ctx
}

// SetNodeRate overrides a registered node's tick rate.
func (s *Scheduler) SetNodeRate(name string, hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rn := s.find(name); rn != nil {
		rn.rateHz = hz
	}
}

// SetNodeDeadline sets (or clears, with hasDeadline=false) a registered
// node's per-tick deadline.
func (s *Scheduler) SetNodeDeadline(name string, deadline time.Duration, hasDeadline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rn := s.find(name); rn != nil {
		rn.deadline = deadline
		rn.hasDeadline = hasDeadline
	}
}

// SetNodeWatchdog configures a registered node's watchdog.
func (s *Scheduler) SetNodeWatchdog(name string, enabled bool, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rn := s.find(name); rn != nil {
		rn.watchdogEnabled = enabled
		rn.watchdogTimeout = timeout
	}
}

func (s *Scheduler) find(name string) *registeredNode {
	for _, rn := range s.nodes {
		if rn.name == name {
			return rn
		}
	}
	return nil
}

// Run starts the scheduler and blocks until Stop is called or stop is
// closed, whichever comes first.
func (s *Scheduler) Run(stop <-chan struct{}) error {
	return s.run(stop, 0)
}

// RunFor runs the scheduler for at most duration.
func (s *Scheduler) RunFor(duration time.Duration) error {
	return s.run(nil, duration)
}

func (s *Scheduler) run(stop <-chan struct{}, duration time.Duration) error {
	s.running.Store(true)

	if s.config.Resources.SampleCPU || s.config.Resources.SampleMemory {
		interval := s.config.Resources.SampleEvery
		if interval <= 0 {
			interval = time.Second
		}
		s.sampler.startLoop(interval, s.stopSampler)
	}

	if s.config.Mode == Parallel {
		s.workerPool = newTickWorkerPool(runtime.GOMAXPROCS(0) * 2)
		s.workerPool.Start()
		defer s.workerPool.Stop()
	}

	s.mu.Lock()
	nodes := append([]*registeredNode(nil), s.nodes...)
	s.mu.Unlock()

	for _, rn := range nodes {
		if initializer, ok := rn.node.(Initializer); ok {
			if err := initializer.Init(rn.info); err != nil {
				s.running.Store(false)
				return fmt.Errorf("sched: init node %q: %w", rn.name, err)
			}
		}
		rn.info.SetState(node.Running)
	}

	pid := os.Getpid()
	workingDir, _ := os.Getwd()
	if err := writeRegistry(s.config.RegistryPath, s.snapshotRegistry(pid, workingDir, nodes)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write initial process registry")
	}

	tickPeriod := time.Duration(0)
	if s.config.Timing.TickRateHz > 0 {
		tickPeriod = time.Duration(float64(time.Second) / s.config.Timing.TickRateHz)
	}

	deadline := time.Time{}
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}

	lastRegistryWrite := time.Now()

	for s.running.Load() {
		if stop != nil {
			select {
			case <-stop:
				s.running.Store(false)
				continue
			default:
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		order := s.orderedNodes(nodes)
		if s.workerPool != nil {
			s.tickRoundParallel(order)
		} else {
			for _, rn := range order {
				s.tickOne(rn)
				if !s.running.Load() {
					break
				}
			}
		}

		if time.Since(lastRegistryWrite) >= 5*time.Second {
			if err := writeRegistry(s.config.RegistryPath, s.snapshotRegistry(pid, workingDir, nodes)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to rewrite process registry")
			}
			lastRegistryWrite = time.Now()
		}

		if tickPeriod > 0 {
			time.Sleep(tickPeriod)
		}
	}

	close(s.stopSampler)

	for _, rn := range nodes {
		rn.info.SetState(node.Stopping)
		if shutdowner, ok := rn.node.(Shutdowner); ok {
			if err := shutdowner.Shutdown(rn.info); err != nil {
				s.logger.Warn().Err(err).Str("node", rn.name).Msg("node shutdown returned an error")
			}
		}
		rn.info.SetState(node.Stopped)
		if err := rn.info.RemoveHeartbeat(); err != nil {
			s.logger.Warn().Err(err).Str("node", rn.name).Msg("failed to remove heartbeat file")
		}
	}
	if err := removeRegistry(s.config.RegistryPath); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove process registry")
	}

	return nil
}

// orderedNodes sorts by priority (ascending), tie-broken by the order
// nodes appear in the input slice (which is insertion order). When
// static_execution_order is set, the order computed on the first call is
// frozen and reused for every subsequent iteration.
func (s *Scheduler) orderedNodes(nodes []*registeredNode) []*registeredNode {
	if s.config.Determinism.StaticExecutionOrder && s.orderFrozen {
		return s.frozenOrder
	}

	ordered := append([]*registeredNode(nil), nodes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority < ordered[j].priority
	})

	if s.config.Determinism.StaticExecutionOrder {
		s.frozenOrder = ordered
		s.orderFrozen = true
	}
	return ordered
}

// tickRoundParallel dispatches every node's tick to the worker pool and
// waits for the round to finish. Priority ordering within a round is
// lost — Parallel mode trades ordering guarantees for throughput on
// workloads with many independent nodes; use Sequential (the default) or
// HardRealTime's static execution order when tick ordering matters. A node
// whose submission is dropped (queue full) is ticked inline instead of
// skipped, so wg.Wait() always sees every Done() and no node silently
// misses a round.
func (s *Scheduler) tickRoundParallel(order []*registeredNode) {
	var wg sync.WaitGroup
	wg.Add(len(order))
	for _, rn := range order {
		rn := rn
		queued := s.workerPool.Submit(func() {
			defer wg.Done()
			s.tickOne(rn)
		})
		if !queued {
			wg.Done()
			s.tickOne(rn)
		}
	}
	wg.Wait()
}

func (s *Scheduler) tickOne(rn *registeredNode) {
	now := time.Now()

	if rn.circuitOpen {
		if s.config.Fault.AutoRestart {
			if !rn.hasRestartAttempt || now.Sub(rn.lastRestartAttempt) >= MinRestartInterval {
				rn.circuitOpen = false
				rn.consecutiveFailureCount = 0
				rn.lastRestartAttempt = now
				rn.hasRestartAttempt = true
			} else {
				return
			}
		} else {
			return
		}
	}

	if rn.rateHz > 0 {
		minInterval := time.Duration(float64(time.Second) / rn.rateHz)
		if !rn.lastTick.IsZero() && now.Sub(rn.lastTick) < minInterval {
			return
		}
	}
	rn.lastTick = now

	if rn.watchdogEnabled && !rn.lastWatchdogFeed.IsZero() && now.Sub(rn.lastWatchdogFeed) > rn.watchdogTimeout {
		rn.watchdogExpired = true
		s.logger.Warn().Str("node", rn.name).Dur("since_feed", now.Sub(rn.lastWatchdogFeed)).Msg("watchdog expired")
	}

	rn.info.StartTick()
	err := rn.node.Tick(rn.info)
	var duration time.Duration

	if err != nil {
		duration = rn.info.RecordFailedTick()
		rn.failureCount++
		rn.consecutiveFailureCount++
		if s.config.Fault.CircuitBreakerEnabled && rn.consecutiveFailureCount >= s.config.Fault.MaxFailures {
			rn.circuitOpen = true
			s.logger.Warn().Str("node", rn.name).Int("consecutive_failures", rn.consecutiveFailureCount).Msg("circuit opened")
		}
		rn.info.SetState(node.Failed)
		if s.prom != nil {
			s.prom.SchedulerFailures.WithLabelValues(rn.name).Inc()
		}
	} else {
		duration = rn.info.RecordTick()
		rn.consecutiveFailureCount = 0
		if rn.watchdogEnabled {
			rn.lastWatchdogFeed = now
			rn.watchdogExpired = false
		}
		rn.info.SetState(node.Running)
	}

	if s.prom != nil {
		s.prom.SchedulerTickDuration.WithLabelValues(rn.name).Observe(duration.Seconds())
		circuitState := float64(0)
		if rn.circuitOpen {
			circuitState = 1
		}
		s.prom.SchedulerCircuitOpen.WithLabelValues(rn.name).Set(circuitState)
	}

	if rn.hasDeadline && duration > rn.deadline {
		rn.deadlineMissCount++
		if s.prom != nil {
			s.prom.SchedulerDeadlineMisses.WithLabelValues(rn.name).Inc()
		}
		switch s.config.RealTime.DeadlineMissPolicy {
		case Warn:
			s.logger.Warn().Str("node", rn.name).Dur("duration", duration).Dur("deadline", rn.deadline).Msg("deadline missed")
		case Skip:
			// Counted above; nothing further to do until the node's next tick.
		case Degrade:
			s.logger.Warn().Str("node", rn.name).Msg("deadline missed, degrading")
		case Panic:
			s.running.Store(false)
			panic(fmt.Sprintf("sched: node %q missed its deadline (%s > %s)", rn.name, duration, rn.deadline))
		}
	}

	rn.info.SetResourceUsage(s.sampler.CPUPercent(), s.sampler.MemoryBytes())

	if err := rn.info.WriteHeartbeat(now); err != nil {
		s.logger.Warn().Err(err).Str("node", rn.name).Msg("failed to write heartbeat")
	}
}

func (s *Scheduler) snapshotRegistry(pid int, workingDir string, nodes []*registeredNode) Registry {
	reg := Registry{
		PID:           pid,
		SchedulerName: s.config.SchedulerName,
		WorkingDir:    workingDir,
	}
	for _, rn := range nodes {
		reg.Nodes = append(reg.Nodes, RegistryNode{
			Name:        rn.name,
			Priority:    rn.priority,
			State:       rn.info.State().String(),
			Health:      string(rn.info.Health()),
			ErrorCount:  rn.info.Metrics().ErrorCount,
			TickCount:   rn.info.Metrics().TotalTicks,
			Publishers:  rn.info.Publishers(),
			Subscribers: rn.info.Subscribers(),
		})
	}
	return reg
}

// Stop clears the running flag; the loop exits at the next top-of-loop
// check, letting an in-flight tick run to completion.
func (s *Scheduler) Stop() {
	s.running.Store(false)
}

// IsRunning reports whether the run loop is currently active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
