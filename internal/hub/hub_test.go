package hub

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/water236/horus/internal/metrics"
)

type fakeRegistrar struct {
	publishers   []string
	subscribers  []string
	pubSummaries []string
	subSummaries []string
}

func (f *fakeRegistrar) RegisterPublisher(topic, typeName string) {
	f.publishers = append(f.publishers, topic)
}
func (f *fakeRegistrar) RegisterSubscriber(topic, typeName string) {
	f.subscribers = append(f.subscribers, topic)
}
func (f *fakeRegistrar) LogPubSummary(topic, summary string, ipcNanos int64) {
	f.pubSummaries = append(f.pubSummaries, topic)
}
func (f *fakeRegistrar) LogSubSummary(topic, summary string, ipcNanos int64) {
	f.subSummaries = append(f.subSummaries, topic)
}

type reading struct {
	Seq uint64
}

func uniqueTopic(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s_%s", prefix, t.Name())
}

func TestHubSendRecvLocalRoundTrip(t *testing.T) {
	topic := uniqueTopic(t, "hub_roundtrip")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	ctx := &fakeRegistrar{}
	require.NoError(t, h.Send(reading{Seq: 1}, ctx))

	msg, ok := h.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, []string{topic}, ctx.publishers)
	assert.Equal(t, []string{topic}, ctx.subscribers)
	assert.Equal(t, []string{topic}, ctx.pubSummaries, "Send logs a pub summary")
	assert.Equal(t, []string{topic}, ctx.subSummaries, "Recv logs a sub summary")
}

func TestHubRecvEmptyReturnsFalse(t *testing.T) {
	topic := uniqueTopic(t, "hub_empty")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	_, ok := h.Recv(nil)
	assert.False(t, ok)
}

func TestHubSendAcceptsNilRegistrar(t *testing.T) {
	topic := uniqueTopic(t, "hub_nilctx")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	assert.NoError(t, h.Send(reading{Seq: 7}, nil))
}

func TestHubMetricsAccumulate(t *testing.T) {
	topic := uniqueTopic(t, "hub_metrics")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	require.NoError(t, h.Send(reading{Seq: 1}, nil))
	require.NoError(t, h.Send(reading{Seq: 2}, nil))
	_, _ = h.Recv(nil)

	snap := h.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.MessagesSent)
	assert.Equal(t, uint64(1), snap.MessagesReceived)
}

func TestHubCloneSharesMetricsAndTopic(t *testing.T) {
	topic := uniqueTopic(t, "hub_clone")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	clone := h.Clone()
	require.NoError(t, h.Send(reading{Seq: 5}, nil))

	msg, ok := clone.Recv(nil)
	require.True(t, ok, "clone shares the same underlying ring")
	assert.Equal(t, uint64(5), msg.Seq)

	assert.Equal(t, h.MetricsSnapshot(), clone.MetricsSnapshot(), "clone shares the same metrics block")
}

func TestHubStateTransitionsToConnectedAfterSend(t *testing.T) {
	topic := uniqueTopic(t, "hub_state")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	assert.Equal(t, Connected, h.State())
	require.NoError(t, h.Send(reading{Seq: 1}, nil))
	assert.Equal(t, Connected, h.State())
}

func TestHubSetPrometheusIncrementsRegistryCounters(t *testing.T) {
	topic := uniqueTopic(t, "hub_prom")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	h.SetPrometheus(reg)

	require.NoError(t, h.Send(reading{Seq: 1}, nil))
	_, ok := h.Recv(nil)
	require.True(t, ok)
	_, ok = h.Recv(nil)
	require.False(t, ok)

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.HubMessagesSent.WithLabelValues(topic)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.HubMessagesReceived.WithLabelValues(topic)))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.HubRecvFailures.WithLabelValues(topic)))
}

func TestHubTopicNameReturnsRawEndpoint(t *testing.T) {
	topic := uniqueTopic(t, "hub_name")
	h, err := NewWithCapacity[reading](topic, 4)
	require.NoError(t, err)
	assert.Equal(t, topic, h.TopicName())
}
