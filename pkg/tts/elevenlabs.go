package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsEndpoint       = "wss://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsDefaultModel   = "eleven_turbo_v2_5"
	elevenLabsOutputFormat   = "pcm_16000"
	elevenLabsSampleRate     = 16000
	elevenLabsConnectTimeout = 10 * time.Second
)

// ElevenLabsConfig configures the websocket streaming provider.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	Model   string

	// Speed 0.7-1.2; zero selects the provider default.
	Speed float64

	Stability       float64
	SimilarityBoost float64
}

func DefaultElevenLabsConfig(apiKey, voiceID string) ElevenLabsConfig {
	return ElevenLabsConfig{
		APIKey:          apiKey,
		VoiceID:         voiceID,
		Model:           elevenLabsDefaultModel,
		Speed:           1.0,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}

// ElevenLabs streams synthesis over the stream-input websocket. Each
// Synthesize call opens its own connection, so aborted sentences never stall
// the next one.
type ElevenLabs struct {
	config ElevenLabsConfig
}

var _ Provider = (*ElevenLabs)(nil)

func NewElevenLabs(config ElevenLabsConfig) (*ElevenLabs, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("tts: elevenlabs api key not set")
	}
	if config.VoiceID == "" {
		return nil, fmt.Errorf("tts: elevenlabs voice id not set")
	}
	if config.Model == "" {
		config.Model = elevenLabsDefaultModel
	}
	if config.Speed == 0 {
		config.Speed = 1.0
	}
	return &ElevenLabs{config: config}, nil
}

func (p *ElevenLabs) Name() string { return "elevenlabs" }

func (p *ElevenLabs) Format() Format {
	return Format{SampleRate: elevenLabsSampleRate, Channels: 1}
}

func (p *ElevenLabs) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)
		if err := p.stream(ctx, text, audioCh); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return audioCh, errCh
}

type elevenLabsInit struct {
	Text          string                  `json:"text"`
	VoiceSettings *elevenLabsVoiceParams  `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceParams struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type elevenLabsText struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	Flush                bool   `json:"flush,omitempty"`
}

type elevenLabsChunk struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
}

func (p *ElevenLabs) stream(ctx context.Context, text string, audioCh chan<- []byte) error {
	params := url.Values{}
	params.Set("model_id", p.config.Model)
	params.Set("output_format", elevenLabsOutputFormat)
	wsURL := fmt.Sprintf("%s/%s/stream-input?%s", elevenLabsEndpoint, p.config.VoiceID, params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: elevenLabsConnectTimeout}
	headers := http.Header{}
	headers.Set("xi-api-key", p.config.APIKey)

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("tts: elevenlabs dial: %w", err)
	}
	defer conn.Close()

	// ReadMessage has no context; closing the connection is how a barge-in
	// aborts the stream.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	// The stream-input protocol wants a priming space before real text.
	init := elevenLabsInit{
		Text: " ",
		VoiceSettings: &elevenLabsVoiceParams{
			Stability:       p.config.Stability,
			SimilarityBoost: p.config.SimilarityBoost,
			Speed:           p.config.Speed,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		return fmt.Errorf("tts: elevenlabs init: %w", err)
	}
	if err := conn.WriteJSON(elevenLabsText{Text: text + " ", TryTriggerGeneration: true}); err != nil {
		return fmt.Errorf("tts: elevenlabs send: %w", err)
	}
	if err := conn.WriteJSON(elevenLabsText{Flush: true}); err != nil {
		return fmt.Errorf("tts: elevenlabs flush: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("tts: elevenlabs read: %w", err)
		}

		var chunk elevenLabsChunk
		if err := json.Unmarshal(message, &chunk); err != nil {
			log.Printf("[TTS] elevenlabs bad chunk: %v", err)
			continue
		}
		if chunk.IsFinal {
			return nil
		}
		if chunk.Audio == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(chunk.Audio)
		if err != nil {
			log.Printf("[TTS] elevenlabs decode: %v", err)
			continue
		}
		select {
		case audioCh <- pcm:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
