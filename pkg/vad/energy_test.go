package vad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(amplitude float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*float64(i)/float64(n)*8))
	}
	return out
}

func TestEnergyDetectorSilenceVsSpeech(t *testing.T) {
	d, err := NewEnergyDetector(DefaultEnergyDetectorConfig())
	require.NoError(t, err)
	defer d.Destroy()

	// Silence stays near zero.
	var silent float32
	for i := 0; i < 10; i++ {
		silent, err = d.Infer(make([]float32, 512))
		require.NoError(t, err)
	}
	assert.Less(t, silent, float32(0.1))

	// A loud tone drives the probability up.
	var loud float32
	for i := 0; i < 10; i++ {
		loud, err = d.Infer(sine(0.5, 512))
		require.NoError(t, err)
	}
	assert.Greater(t, loud, float32(0.8))
}

func TestEnergyDetectorReset(t *testing.T) {
	d, err := NewEnergyDetector(DefaultEnergyDetectorConfig())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = d.Infer(sine(0.5, 512))
		require.NoError(t, err)
	}
	require.NoError(t, d.Reset())

	p, err := d.Infer(make([]float32, 512))
	require.NoError(t, err)
	assert.Less(t, p, float32(0.05))
}

func TestEnergyDetectorEmptyChunk(t *testing.T) {
	d, err := NewEnergyDetector(DefaultEnergyDetectorConfig())
	require.NoError(t, err)

	p, err := d.Infer(nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0), p)
}

func TestEnergyDetectorConfigValidation(t *testing.T) {
	_, err := NewEnergyDetector(EnergyDetectorConfig{SpeechRMS: 0.01, NoiseFloorRMS: 0.05})
	assert.Error(t, err)

	_, err = NewEnergyDetector(EnergyDetectorConfig{SpeechRMS: 0.06, NoiseFloorRMS: 0.005, Smoothing: 1.0})
	assert.Error(t, err)
}
