// Package hub implements Hub[T]: the pub/sub handle nodes use to send and
// receive messages, dispatching transparently to a local ShmTopic ring or
// an optional network backend depending on how the endpoint was addressed.
package hub

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/water236/horus/internal/metrics"
	"github.com/water236/horus/internal/net"
	"github.com/water236/horus/internal/shm"
)

// ConnectionState is a Hub's lock-free connection status.
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Metrics is a cache-line aligned block of lock-free Hub counters,
// sharable across Hub clones via a pointer so every clone of the same
// topic observes the same counts.
type Metrics struct {
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	SendFailures     atomic.Uint64
	RecvFailures     atomic.Uint64
	_padding         [32]byte
}

// Snapshot is a point-in-time copy of Metrics for logging or export.
type Snapshot struct {
	MessagesSent     uint64
	MessagesReceived uint64
	SendFailures     uint64
	RecvFailures     uint64
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		SendFailures:     m.SendFailures.Load(),
		RecvFailures:     m.RecvFailures.Load(),
	}
}

// Hub is a pub/sub handle over a named topic. A Local endpoint backs it
// with a zero-copy shm.Topic ring; any other endpoint kind backs it with a
// net.Backend instead, and no shared memory is allocated for it at all.
type Hub[T shm.ShmElement] struct {
	topicName string
	shmTopic  *shm.Topic[T]
	network   net.Backend[T]
	isNetwork bool
	state     atomic.Uint32
	metrics   *Metrics
	prom      *metrics.Registry
}

// DefaultCapacity is the ring capacity used by New when the caller does
// not specify one.
const DefaultCapacity = 1024

// New creates a Hub over topicName with DefaultCapacity.
func New[T shm.ShmElement](topicName string) (*Hub[T], error) {
	return NewWithCapacity[T](topicName, DefaultCapacity)
}

// natsURLResolver supplies the NATS server URL for non-local endpoints. It
// is a variable so it can be replaced; the default returns an empty string
// and reads no environment setting.
var natsURLResolver = func() string { return "" }

// NewWithCapacity creates a Hub over topicName with the given ring
// capacity (ignored for non-local endpoints, which allocate no shared
// memory at all). topicName may be a bare topic ("camera"), or an
// addressed endpoint ("camera@192.168.1.5:9000", "camera@*").
func NewWithCapacity[T shm.ShmElement](topicName string, capacity int) (*Hub[T], error) {
	endpoint, err := net.ParseEndpoint(topicName)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}

	h := &Hub[T]{
		topicName: topicName,
		metrics:   &Metrics{},
	}
	h.state.Store(uint32(Connected))

	if endpoint.IsLocal() {
		topic, err := shm.NewTopic[T](endpoint.Topic, capacity)
		if err != nil {
			return nil, fmt.Errorf("hub: create local topic %q: %w", endpoint.Topic, err)
		}
		h.shmTopic = topic
		return h, nil
	}

	url := natsURLResolver()
	backend, err := net.NewNATSBackend[T](url, endpoint)
	if err != nil {
		return nil, fmt.Errorf("hub: create network backend for %q: %w", topicName, err)
	}
	h.network = backend
	h.isNetwork = true
	return h, nil
}

// Registrar is the subset of node lifecycle bookkeeping a Hub calls into
// on send/recv, so publisher/subscriber discovery and pub/sub logging stay
// current without hub.go importing the node package.
type Registrar interface {
	RegisterPublisher(topic, typeName string)
	RegisterSubscriber(topic, typeName string)
	LogPubSummary(topic, summary string, ipcNanos int64)
	LogSubSummary(topic, summary string, ipcNanos int64)
}

// summaryMaxLen bounds the log_summary() rendering so a large message (a
// tensor payload, say) doesn't dump its full contents into a log line.
const summaryMaxLen = 120

// logSummary renders a short, human-readable stand-in for msg, computed
// before the IPC move on send and through the zero-copy reference on recv.
func logSummary(msg any) string {
	s := fmt.Sprintf("%+v", msg)
	if len(s) > summaryMaxLen {
		return s[:summaryMaxLen] + "..."
	}
	return s
}

// Send publishes msg. On a local endpoint this loans a ring slot and
// writes in place; on a network endpoint this serializes and publishes.
// ctx may be nil (e.g. in benchmarks) to skip publisher registration.
func (h *Hub[T]) Send(msg T, ctx Registrar) error {
	summary := logSummary(msg) // computed before the move, per log_summary()'s contract

	if h.isNetwork && h.network != nil {
		start := time.Now()
		if err := h.network.Send(msg); err != nil {
			h.metrics.SendFailures.Add(1)
			h.state.Store(uint32(Failed))
			if h.prom != nil {
				h.prom.HubSendFailures.WithLabelValues(h.topicName).Inc()
			}
			return fmt.Errorf("hub: send on %q: %w", h.topicName, err)
		}
		ipcNanos := time.Since(start).Nanoseconds()
		h.metrics.MessagesSent.Add(1)
		h.state.Store(uint32(Connected))
		if h.prom != nil {
			h.prom.HubMessagesSent.WithLabelValues(h.topicName).Inc()
		}
		if ctx != nil {
			ctx.RegisterPublisher(h.topicName, fmt.Sprintf("%T", msg))
			ctx.LogPubSummary(h.topicName, summary, ipcNanos)
		}
		return nil
	}

	if h.shmTopic == nil {
		h.metrics.SendFailures.Add(1)
		h.state.Store(uint32(Failed))
		if h.prom != nil {
			h.prom.HubSendFailures.WithLabelValues(h.topicName).Inc()
		}
		return fmt.Errorf("hub: %q has neither a local topic nor a network backend", h.topicName)
	}

	start := time.Now()
	sample := h.shmTopic.Loan()
	sample.Set(msg)
	sample.Publish()
	ipcNanos := time.Since(start).Nanoseconds()
	h.metrics.MessagesSent.Add(1)
	h.state.Store(uint32(Connected))
	if h.prom != nil {
		h.prom.HubMessagesSent.WithLabelValues(h.topicName).Inc()
	}
	if ctx != nil {
		ctx.RegisterPublisher(h.topicName, fmt.Sprintf("%T", msg))
		ctx.LogPubSummary(h.topicName, summary, ipcNanos)
	}
	return nil
}

// Recv returns the next available message, or false if none is ready. It
// never blocks.
func (h *Hub[T]) Recv(ctx Registrar) (T, bool) {
	if h.isNetwork && h.network != nil {
		start := time.Now()
		msg, ok := h.network.Recv()
		if !ok {
			h.metrics.RecvFailures.Add(1)
			if h.prom != nil {
				h.prom.HubRecvFailures.WithLabelValues(h.topicName).Inc()
			}
			var zero T
			return zero, false
		}
		ipcNanos := time.Since(start).Nanoseconds()
		h.metrics.MessagesReceived.Add(1)
		if h.prom != nil {
			h.prom.HubMessagesReceived.WithLabelValues(h.topicName).Inc()
		}
		if ctx != nil {
			ctx.RegisterSubscriber(h.topicName, fmt.Sprintf("%T", msg))
			ctx.LogSubSummary(h.topicName, logSummary(msg), ipcNanos)
		}
		return msg, true
	}

	if h.shmTopic == nil {
		h.metrics.RecvFailures.Add(1)
		if h.prom != nil {
			h.prom.HubRecvFailures.WithLabelValues(h.topicName).Inc()
		}
		var zero T
		return zero, false
	}

	start := time.Now()
	sample := h.shmTopic.Receive()
	if sample == nil {
		h.metrics.RecvFailures.Add(1)
		if h.prom != nil {
			h.prom.HubRecvFailures.WithLabelValues(h.topicName).Inc()
		}
		var zero T
		return zero, false
	}
	msg := sample.Get()
	ipcNanos := time.Since(start).Nanoseconds()
	h.metrics.MessagesReceived.Add(1)
	if h.prom != nil {
		h.prom.HubMessagesReceived.WithLabelValues(h.topicName).Inc()
	}
	if ctx != nil {
		ctx.RegisterSubscriber(h.topicName, fmt.Sprintf("%T", msg))
		ctx.LogSubSummary(h.topicName, logSummary(msg), ipcNanos)
	}
	return msg, true
}

// SetPrometheus attaches a Registry whose Hub counters Send/Recv will
// increment going forward. A Hub with no Registry attached (the default)
// still tracks its own in-process Metrics block; attaching one is optional.
func (h *Hub[T]) SetPrometheus(r *metrics.Registry) { h.prom = r }

// State returns the Hub's current connection state.
func (h *Hub[T]) State() ConnectionState { return ConnectionState(h.state.Load()) }

// MetricsSnapshot returns a point-in-time copy of this Hub's counters.
func (h *Hub[T]) MetricsSnapshot() Snapshot { return h.metrics.snapshot() }

// TopicName returns the raw endpoint string the Hub was created with.
func (h *Hub[T]) TopicName() string { return h.topicName }

// Clone returns a new Hub sharing this one's local topic handle and
// metrics block — clones observe the same counters and the same ring —
// but never its network backend, since sockets are not shareable this way.
// A cloned network Hub is left without a backend; Send/Recv on it fail
// until reassigned, matching the upstream implementation's own caveat
// that network backends are not cloneable.
func (h *Hub[T]) Clone() *Hub[T] {
	clone := &Hub[T]{
		topicName: h.topicName,
		shmTopic:  h.shmTopic,
		isNetwork: h.isNetwork,
		metrics:   h.metrics,
		prom:      h.prom,
	}
	clone.state.Store(h.state.Load())
	return clone
}
