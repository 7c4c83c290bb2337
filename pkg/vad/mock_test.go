package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDetectorSilentByDefault(t *testing.T) {
	m := NewMockDetector()

	prob, err := m.Infer([]float32{0.1, 0.2})
	require.NoError(t, err)
	assert.Zero(t, prob)
	assert.Equal(t, 1, m.Calls())
}

func TestMockDetectorScriptRepeatsLastValue(t *testing.T) {
	m := NewMockDetector()
	m.Script(0.2, 0.9)

	for _, want := range []float32{0.2, 0.9, 0.9, 0.9} {
		prob, err := m.Infer(nil)
		require.NoError(t, err)
		assert.Equal(t, want, prob)
	}
	assert.Equal(t, 4, m.Calls())
}

func TestMockDetectorTracksLifecycle(t *testing.T) {
	m := NewMockDetector()

	require.NoError(t, m.Reset())
	require.NoError(t, m.Reset())
	assert.Equal(t, 2, m.Resets())

	assert.False(t, m.Destroyed())
	require.NoError(t, m.Destroy())
	assert.True(t, m.Destroyed())
}
