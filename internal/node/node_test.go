package node

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo(t *testing.T) *Info {
	t.Helper()
	dir := t.TempDir()
	return New("test-node", false, zerolog.Nop(), dir, 10)
}

func TestNewStartsInitializing(t *testing.T) {
	ni := testInfo(t)
	assert.Equal(t, Initializing, ni.State())
	assert.Equal(t, "test-node", ni.Name())
}

func TestSetStateTransitions(t *testing.T) {
	ni := testInfo(t)
	ni.SetState(Running)
	assert.Equal(t, Running, ni.State())
}

func TestRegisterPublisherIsIdempotent(t *testing.T) {
	ni := testInfo(t)
	ni.RegisterPublisher("camera", "Frame")
	ni.RegisterPublisher("camera", "SomethingElse")
	assert.Equal(t, []string{"camera"}, ni.Publishers())
}

func TestRegisterSubscriberIsIdempotent(t *testing.T) {
	ni := testInfo(t)
	ni.RegisterSubscriber("imu", "Sample")
	ni.RegisterSubscriber("imu", "Sample")
	assert.Equal(t, []string{"imu"}, ni.Subscribers())
}

func TestRecordTickRollingStats(t *testing.T) {
	ni := testInfo(t)

	ni.StartTick()
	time.Sleep(2 * time.Millisecond)
	d1 := ni.RecordTick()

	ni.StartTick()
	time.Sleep(6 * time.Millisecond)
	d2 := ni.RecordTick()

	m := ni.Metrics()
	assert.Equal(t, uint64(2), m.TotalTicks)
	assert.Equal(t, uint64(2), m.Successful)
	assert.Equal(t, uint64(0), m.Failed)
	assert.Equal(t, d2, m.LastDuration)

	var smaller, larger time.Duration
	if d1 < d2 {
		smaller, larger = d1, d2
	} else {
		smaller, larger = d2, d1
	}
	assert.Equal(t, smaller, m.MinDuration)
	assert.Equal(t, larger, m.MaxDuration)
	assert.True(t, m.AvgDuration > 0)
}

func TestRecordFailedTickIncrementsErrorCount(t *testing.T) {
	ni := testInfo(t)
	ni.StartTick()
	ni.RecordFailedTick()

	m := ni.Metrics()
	assert.Equal(t, uint64(1), m.TotalTicks)
	assert.Equal(t, uint64(1), m.Failed)
	assert.Equal(t, uint64(1), m.ErrorCount)
}

func TestHealthDerivation(t *testing.T) {
	ni := testInfo(t)
	assert.Equal(t, HealthOK, ni.Health(), "no ticks yet is healthy")

	for i := 0; i < 10; i++ {
		ni.StartTick()
		ni.RecordTick()
	}
	assert.Equal(t, HealthOK, ni.Health())

	for i := 0; i < 10; i++ {
		ni.StartTick()
		ni.RecordFailedTick()
	}
	assert.Equal(t, HealthDown, ni.Health(), "50%+ error rate over 20 ticks is down")

	ni.SetState(Failed)
	assert.Equal(t, HealthDown, ni.Health(), "a failed node is always down regardless of error rate")
}

func TestWriteAndRemoveHeartbeat(t *testing.T) {
	dir := t.TempDir()
	ni := New("hb-node", false, zerolog.Nop(), dir, 5)
	ni.SetState(Running)
	ni.StartTick()
	ni.RecordTick()

	now := time.Unix(1700000000, 0)
	require.NoError(t, ni.WriteHeartbeat(now))

	path := filepath.Join(dir, "hb-node")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record HeartbeatRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "hb-node", record.Node)
	assert.Equal(t, "running", record.State)
	assert.Equal(t, uint64(1), record.TotalTicks)
	assert.Equal(t, float64(5), record.TargetRateHz)
	assert.Equal(t, int64(1700000000), record.UpdatedUnix)

	require.NoError(t, ni.RemoveHeartbeat())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteHeartbeatIncludesResourceUsage(t *testing.T) {
	dir := t.TempDir()
	ni := New("resource-node", false, zerolog.Nop(), dir, 5)
	ni.SetResourceUsage(42.5, 1<<20)

	require.NoError(t, ni.WriteHeartbeat(time.Unix(1700000000, 0)))

	data, err := os.ReadFile(filepath.Join(dir, "resource-node"))
	require.NoError(t, err)

	var record HeartbeatRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, 42.5, record.CPUPercent)
	assert.Equal(t, uint64(1<<20), record.MemoryRSSBytes)
}

func TestRemoveHeartbeatWithoutFileIsNotAnError(t *testing.T) {
	ni := testInfo(t)
	assert.NoError(t, ni.RemoveHeartbeat())
}
