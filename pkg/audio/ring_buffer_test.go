package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferCapacityFromDuration(t *testing.T) {
	// 300 ms of 16 kHz mono s16le is 9600 bytes.
	rb := NewRingBuffer(16000, 300)
	assert.Equal(t, 9600, rb.Capacity())
	assert.Zero(t, rb.Size())
	assert.Nil(t, rb.ReadAll())
}

func TestRingBufferReadLeavesDataInPlace(t *testing.T) {
	rb := NewRingBuffer(16000, 100)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	rb.Write(data)

	assert.Equal(t, data, rb.ReadAll())
	assert.Equal(t, 1000, rb.Size(), "pre-roll must survive being read")
	assert.Equal(t, data, rb.ReadAll())
}

func TestRingBufferKeepsNewestOnOverflow(t *testing.T) {
	rb := NewRingBuffer(16000, 100)
	capacity := rb.Capacity()

	older := make([]byte, capacity-200)
	for i := range older {
		older[i] = 1
	}
	newer := make([]byte, 1000)
	for i := range newer {
		newer[i] = 2
	}
	rb.Write(older)
	rb.Write(newer)

	require.Equal(t, capacity, rb.Size())
	got := rb.ReadAll()
	require.Len(t, got, capacity)
	assert.Equal(t, newer, got[capacity-1000:])
	assert.Equal(t, byte(1), got[0])
}

func TestRingBufferWriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(16000, 100)
	capacity := rb.Capacity()

	data := make([]byte, capacity+1800)
	for i := range data {
		data[i] = byte(i % 251)
	}
	rb.Write(data)

	require.Equal(t, capacity, rb.Size())
	assert.Equal(t, data[len(data)-capacity:], rb.ReadAll())
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(16000, 100)
	rb.Write(make([]byte, 500))

	rb.Clear()
	assert.Zero(t, rb.Size())
	assert.Nil(t, rb.ReadAll())
}
