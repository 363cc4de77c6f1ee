package shm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s_%s", prefix, t.Name())
}

func TestNewTopicRoundTrip(t *testing.T) {
	name := uniqueName(t, "roundtrip")
	topic, err := NewTopic[uint32](name, 4)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })

	assert.Equal(t, uint64(4), topic.Capacity())

	sample := topic.Receive()
	assert.Nil(t, sample, "no consumer should see data published before it attached")

	loan := topic.Loan()
	loan.Set(1)
	loan.Publish()
	loan = topic.Loan()
	loan.Set(2)
	loan.Publish()
	loan = topic.Loan()
	loan.Set(3)
	loan.Publish()

	sample = topic.Receive()
	require.NotNil(t, sample)
	assert.Equal(t, uint32(1), sample.Get())

	loan = topic.Loan()
	loan.Set(4)
	loan.Publish()

	sample = topic.Receive()
	require.NotNil(t, sample)
	assert.Equal(t, uint32(2), sample.Get())
}

func TestLateAttacherSeesOnlyNewData(t *testing.T) {
	name := uniqueName(t, "late_attacher")
	producer, err := NewTopic[uint32](name, 16)
	require.NoError(t, err)
	t.Cleanup(func() { producer.Close(); Unlink(name) })

	loan := producer.Loan()
	loan.Set(10)
	loan.Publish()
	loan = producer.Loan()
	loan.Set(20)
	loan.Publish()

	consumer, err := NewTopic[uint32](name, 16)
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	assert.Nil(t, consumer.Receive(), "a consumer attaching after sends starts at current head")

	loan = producer.Loan()
	loan.Set(30)
	loan.Publish()

	sample := consumer.Receive()
	require.NotNil(t, sample)
	assert.Equal(t, uint32(30), sample.Get())
}

func TestMPMCFanOut(t *testing.T) {
	name := uniqueName(t, "fanout")
	producer, err := NewTopic[uint32](name, 16)
	require.NoError(t, err)
	t.Cleanup(func() { producer.Close(); Unlink(name) })

	consumers := make([]*Topic[uint32], 3)
	for i := range consumers {
		c, err := NewTopic[uint32](name, 16)
		require.NoError(t, err)
		consumers[i] = c
		t.Cleanup(func(c *Topic[uint32]) func() { return func() { c.Close() } }(c))
	}

	loan := producer.Loan()
	loan.Set(100)
	loan.Publish()

	for _, c := range consumers {
		sample := c.Receive()
		require.NotNil(t, sample)
		assert.Equal(t, uint32(100), sample.Get())
	}
	assert.Equal(t, uint64(1), producer.SequenceNumber())
}

func TestCapacityBoundary(t *testing.T) {
	name := uniqueName(t, "cap1")
	topic, err := NewTopic[uint32](name, 1)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })
	assert.Equal(t, uint64(1), topic.Capacity())

	_, err = NewTopic[uint32](uniqueName(t, "cap0"), 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestTooManyConsumers(t *testing.T) {
	name := uniqueName(t, "toomany")
	root, err := NewTopic[uint32](name, 4)
	require.NoError(t, err)
	t.Cleanup(func() { root.Close(); Unlink(name) })

	for i := 0; i < MaxConsumers-1; i++ {
		c, err := NewTopic[uint32](name, 4)
		require.NoError(t, err)
		t.Cleanup(func(c *Topic[uint32]) func() { return func() { c.Close() } }(c))
	}

	_, err = NewTopic[uint32](name, 4)
	assert.ErrorIs(t, err, ErrTooManyConsumers)
}

func TestCapacityMismatchOnAttach(t *testing.T) {
	name := uniqueName(t, "mismatch")
	topic, err := NewTopic[uint32](name, 8)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })

	_, err = NewTopic[uint32](name, 32)
	assert.ErrorIs(t, err, ErrCapacityMismatch)
}

func TestElementSizeMismatchOnAttach(t *testing.T) {
	name := uniqueName(t, "elemsize")
	topic, err := NewTopic[uint32](name, 8)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })

	_, err = NewTopic[uint64](name, 8)
	assert.ErrorIs(t, err, ErrElementSizeMismatch)
}

func TestLoanConcurrentProducers(t *testing.T) {
	name := uniqueName(t, "concurrent")
	topic, err := NewTopic[uint32](name, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				loan := topic.Loan()
				loan.Set(uint32(i))
				loan.Publish()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(producers*perProducer), topic.SequenceNumber())
}

func TestDeprecatedPushPopRoundTrip(t *testing.T) {
	name := uniqueName(t, "pushpop")
	topic, err := NewTopic[uint32](name, 8)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close(); Unlink(name) })

	_, ok := topic.Pop()
	assert.False(t, ok)

	_, accepted := topic.Push(42)
	assert.True(t, accepted)

	value, ok := topic.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(42), value)
}
