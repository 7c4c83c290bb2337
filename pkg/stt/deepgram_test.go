package stt

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeepgramRecognizerValidation(t *testing.T) {
	_, err := NewDeepgramRecognizer(DeepgramConfig{})
	assert.Error(t, err)

	r, err := NewDeepgramRecognizer(DeepgramConfig{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, 16000, r.config.SampleRate)
	assert.Equal(t, "nova-3", r.config.Model)
}

func TestListenURLCarriesSessionTuning(t *testing.T) {
	cfg := DefaultDeepgramConfig("key")
	cfg.UtteranceEndMs = 1200
	cfg.EndpointingMs = 400
	r, err := NewDeepgramRecognizer(cfg)
	require.NoError(t, err)

	u, err := url.Parse(r.listenURL())
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "16000", q.Get("sample_rate"))
	assert.Equal(t, "nova-3", q.Get("model"))
	assert.Equal(t, "true", q.Get("diarize"))
	assert.Equal(t, "true", q.Get("interim_results"))
	assert.Equal(t, "1200", q.Get("utterance_end_ms"))
	assert.Equal(t, "400", q.Get("endpointing"))
}

func TestProcessMessageDeliversTranscript(t *testing.T) {
	r, err := NewDeepgramRecognizer(DefaultDeepgramConfig("key"))
	require.NoError(t, err)

	r.processMessage([]byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": " turn on the lights ",
				"words": [
					{"word": "turn", "speaker": 0},
					{"word": "on", "speaker": 0},
					{"word": "the", "speaker": 1},
					{"word": "lights", "speaker": 0}
				]
			}]
		}
	}`))

	res := <-r.results
	assert.Equal(t, "turn on the lights", res.Text)
	assert.Equal(t, "S0", res.SpeakerID)
	assert.True(t, res.Final)
	assert.False(t, res.UtteranceEnd)
}

func TestProcessMessageSkipsEmptyTranscript(t *testing.T) {
	r, err := NewDeepgramRecognizer(DefaultDeepgramConfig("key"))
	require.NoError(t, err)

	r.processMessage([]byte(`{
		"type": "Results",
		"channel": {"alternatives": [{"transcript": "  "}]}
	}`))
	assert.Empty(t, r.results)
}

func TestProcessMessageUtteranceEnd(t *testing.T) {
	r, err := NewDeepgramRecognizer(DefaultDeepgramConfig("key"))
	require.NoError(t, err)

	r.processMessage([]byte(`{"type": "UtteranceEnd"}`))
	res := <-r.results
	assert.True(t, res.UtteranceEnd)
	assert.Empty(t, res.Text)
}

func TestDominantSpeakerNoWords(t *testing.T) {
	assert.Equal(t, "", dominantSpeaker([]byte(`{"channel":{"alternatives":[{"words":[]}]}}`)))
	assert.Equal(t, "", dominantSpeaker([]byte(`not json`)))
}

func TestDeliverShedsOldestWhenFull(t *testing.T) {
	r, err := NewDeepgramRecognizer(DefaultDeepgramConfig("key"))
	require.NoError(t, err)

	for i := 0; i < cap(r.results); i++ {
		r.deliver(Result{Text: "old"})
	}
	r.deliver(Result{Text: "new", Final: true})

	var last Result
	for len(r.results) > 0 {
		last = <-r.results
	}
	assert.Equal(t, "new", last.Text)
	assert.True(t, last.Final)
}

func TestSendAudioBeforeStart(t *testing.T) {
	r, err := NewDeepgramRecognizer(DefaultDeepgramConfig("key"))
	require.NoError(t, err)
	assert.Error(t, r.SendAudio([]byte{0, 0}))
}
