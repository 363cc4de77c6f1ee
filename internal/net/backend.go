// Package net implements HORUS's optional network backend: the transport
// a Hub falls back to when an endpoint names a remote host instead of a
// local shared-memory topic. It is deliberately thin — NATS core pub/sub,
// JSON on the wire — compared to the node-local shared-memory fast path.
package net

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// Kind distinguishes where a parsed Endpoint's bytes should travel.
type Kind int

const (
	// Local routes through shared memory only.
	Local Kind = iota
	// Host routes to a specific remote host, optionally with a port.
	Host
	// Multicast routes through discovery (currently implemented as a
	// broadcast NATS subject; true multicast discovery is unimplemented).
	Multicast
)

// Endpoint is a parsed Hub address: "topic", "topic@host", "topic@host:port"
// or "topic@*".
type Endpoint struct {
	Topic string
	Kind  Kind
	Host  string
	Port  int
}

var hostPortPattern = regexp.MustCompile(`^([^:]+):(\d+)$`)

// ErrInvalidEndpoint signals a malformed Hub address string.
var ErrInvalidEndpoint = errors.New("net: invalid endpoint")

// ParseEndpoint parses a Hub address of the form "topic", "topic@host",
// "topic@host:port", or "topic@*". A bare topic name (no "@") is Local.
func ParseEndpoint(address string) (Endpoint, error) {
	if address == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}

	topic, rest, hasAt := strings.Cut(address, "@")
	if topic == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no topic name", ErrInvalidEndpoint, address)
	}
	if !hasAt {
		return Endpoint{Topic: topic, Kind: Local}, nil
	}

	if rest == "*" {
		return Endpoint{Topic: topic, Kind: Multicast}, nil
	}

	if rest == "localhost" || rest == "127.0.0.1" {
		return Endpoint{Topic: topic, Kind: Local}, nil
	}

	if m := hostPortPattern.FindStringSubmatch(rest); m != nil {
		port, err := strconv.Atoi(m[2])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q has invalid port: %v", ErrInvalidEndpoint, address, err)
		}
		return Endpoint{Topic: topic, Kind: Host, Host: m[1], Port: port}, nil
	}

	return Endpoint{Topic: topic, Kind: Host, Host: rest}, nil
}

// IsLocal reports whether the endpoint routes through shared memory.
func (e Endpoint) IsLocal() bool { return e.Kind == Local }

// Subject returns the NATS subject this endpoint maps to.
func (e Endpoint) Subject() string {
	switch e.Kind {
	case Multicast:
		return fmt.Sprintf("horus.mcast.%s", e.Topic)
	case Host:
		if e.Port != 0 {
			return fmt.Sprintf("horus.host.%s.%d.%s", sanitizeHost(e.Host), e.Port, e.Topic)
		}
		return fmt.Sprintf("horus.host.%s.%s", sanitizeHost(e.Host), e.Topic)
	default:
		return fmt.Sprintf("horus.local.%s", e.Topic)
	}
}

func sanitizeHost(host string) string {
	return strings.ReplaceAll(strings.ReplaceAll(host, ".", "_"), ":", "_")
}

// Backend is the collaborator a Hub sends to and receives from once an
// endpoint resolves off the local shared-memory fast path. NATSBackend is
// the only production implementation; it exists as an interface so tests
// can substitute a fake without a running NATS server.
type Backend[T any] interface {
	Send(msg T) error
	Recv() (T, bool)
	Close() error
}

// DefaultSendRate bounds how many messages per second a single NATSBackend
// will publish before Send starts returning ErrRateLimited, protecting the
// broker from a runaway local node the way a WebSocket gateway protects
// itself from a misbehaving client. Burst allows a 2x momentary spike.
const DefaultSendRate = 10000

// ErrRateLimited is returned by Send when the backend's publish rate
// limiter has no tokens available.
var ErrRateLimited = errors.New("net: send rate limit exceeded")

// NATSBackend carries T over a single NATS subject with JSON encoding. It
// buffers received messages in an internal channel fed by an async
// subscription, matching ShmTopic's non-blocking Receive semantics — Recv
// never blocks. Send is rate limited so one hub cannot saturate the
// broker; Send returns ErrRateLimited rather than blocking.
type NATSBackend[T any] struct {
	conn        *nats.Conn
	sub         *nats.Subscription
	subject     string
	inbox       chan T
	owned       bool
	sendLimiter *rate.Limiter
}

// NewNATSBackend opens its own connection to url and subscribes to
// endpoint's subject.
func NewNATSBackend[T any](url string, endpoint Endpoint) (*NATSBackend[T], error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("net: connect to nats at %q: %w", url, err)
	}

	b := &NATSBackend[T]{
		conn:        conn,
		subject:     endpoint.Subject(),
		inbox:       make(chan T, 1024),
		owned:       true,
		sendLimiter: rate.NewLimiter(rate.Limit(DefaultSendRate), DefaultSendRate*2),
	}

	sub, err := conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var value T
		if err := json.Unmarshal(msg.Data, &value); err != nil {
			return
		}
		select {
		case b.inbox <- value:
		default:
			// Inbox full: drop, matching the ring buffer's overwrite-on-full
			// posture rather than blocking the NATS dispatch goroutine.
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("net: subscribe to %q: %w", b.subject, err)
	}
	b.sub = sub

	return b, nil
}

// Send publishes msg as JSON to the endpoint's subject, failing fast with
// ErrRateLimited instead of blocking if the send rate has been exceeded.
func (b *NATSBackend[T]) Send(msg T) error {
	if !b.sendLimiter.Allow() {
		return ErrRateLimited
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("net: marshal message: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("net: publish to %q: %w", b.subject, err)
	}
	return nil
}

// Recv returns the next buffered message, or false if none is available.
// It never blocks.
func (b *NATSBackend[T]) Recv() (T, bool) {
	select {
	case value := <-b.inbox:
		return value, true
	default:
		var zero T
		return zero, false
	}
}

// Close unsubscribes and, if this backend owns its connection, closes it.
func (b *NATSBackend[T]) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			return err
		}
	}
	if b.owned && b.conn != nil {
		b.conn.Close()
	}
	return nil
}
