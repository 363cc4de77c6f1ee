// Command horus-bench wires a scheduler, a hub, and two demo nodes
// together to exercise the local shared-memory fast path end to end: one
// node publishes a periodic reading, another consumes it and computes the
// publish-to-receive latency, which it neither logs nor exports.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	horus "github.com/water236/horus"
	"github.com/water236/horus/internal/hub"
	"github.com/water236/horus/internal/metrics"
	"github.com/water236/horus/internal/node"
	"github.com/water236/horus/internal/sched"
	"github.com/water236/horus/internal/shm"
)

// Reading is a fixed-layout sample type: a valid shm.ShmElement. It
// carries no pointers, so it is safe to copy byte-for-byte across the
// shared-memory ring.
type Reading struct {
	Seq       uint64
	Value     float64
	Timestamp int64
}

type producerNode struct {
	out *hub.Hub[Reading]
	seq uint64
}

func (p *producerNode) Tick(ctx *node.Info) error {
	p.seq++
	reading := Reading{Seq: p.seq, Value: float64(p.seq) * 1.5, Timestamp: time.Now().UnixNano()}
	return p.out.Send(reading, ctx)
}

func (p *producerNode) DeclaredPublishers() []string  { return []string{"bench.reading"} }
func (p *producerNode) DeclaredSubscribers() []string { return nil }

type consumerNode struct {
	in *hub.Hub[Reading]
}

func (c *consumerNode) Tick(ctx *node.Info) error {
	if reading, ok := c.in.Recv(ctx); ok {
		latency := time.Duration(time.Now().UnixNano() - reading.Timestamp)
		if latency > 0 && latency < time.Second {
			_ = latency // available for logging; omitted from the hot path here
		}
	}
	return nil
}

func (c *consumerNode) DeclaredPublishers() []string  { return nil }
func (c *consumerNode) DeclaredSubscribers() []string { return []string{"bench.reading"} }

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides HORUS_LOG_LEVEL)")
	duration := flag.Duration("duration", 5*time.Second, "how long to run the benchmark")
	flag.Parse()

	cfg, err := horus.LoadConfig(nil)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := horus.NewLogger(horus.LoggerConfig{
		Level:  cfg.ZerologLevel(),
		Format: horus.LogFormat(cfg.LogFormat),
	})

	metricsRegistry := metrics.NewRegistry()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsRegistry.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	pool, err := shm.CreateOrOpenPool(1, shm.SmallPoolConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create tensor pool")
	}
	defer pool.Close()
	stopPoolStats := make(chan struct{})
	go samplePoolStats(pool, metricsRegistry, stopPoolStats)

	readingHub, err := hub.NewWithCapacity[Reading]("bench.reading", cfg.DefaultTopicCapacity)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create bench.reading hub")
	}
	readingHub.SetPrometheus(metricsRegistry)

	schedConfig := sched.Standard()
	schedConfig.SchedulerName = "horus-bench"
	schedConfig.HeartbeatDir = cfg.HeartbeatDir
	schedConfig.RegistryPath = cfg.RegistryPath
	if cfg.SchedulerTickRateHz > 0 {
		schedConfig.Timing.TickRateHz = cfg.SchedulerTickRateHz
		schedConfig.Timing.DefaultNodeRateHz = cfg.SchedulerTickRateHz
	}

	scheduler := sched.New(schedConfig, logger)
	scheduler.SetMetrics(metricsRegistry)
	scheduler.Add(&producerNode{out: readingHub}, "producer", 0, *debug, 0)
	scheduler.Add(&consumerNode{in: readingHub}, "consumer", 1, *debug, 0)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down horus-bench")
		scheduler.Stop()
		close(stop)
	}()

	logger.Info().Dur("duration", *duration).Str("metrics_addr", cfg.MetricsAddr).Msg("starting horus-bench")
	err = scheduler.RunFor(*duration)
	close(stopPoolStats)
	_ = metricsSrv.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler run failed")
	}
}

// samplePoolStats periodically exports a Pool's occupancy into the
// registry's TensorPool gauges; Stats() walks every slot header, so it
// runs on its own interval rather than the scheduler's tick loop.
func samplePoolStats(pool *shm.Pool, registry *metrics.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			registry.UpdatePoolStats(pool.Stats())
		case <-stop:
			return
		}
	}
}
