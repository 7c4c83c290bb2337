package tts

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// The PCM response format is fixed at 24 kHz mono.
const openAISampleRate = 24000

// OpenAIConfig configures the OpenAI speech provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string

	// Speed 0.25-4.0; zero selects the provider default.
	Speed float64
}

func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey: apiKey,
		Model:  "tts-1",
		Voice:  "alloy",
	}
}

// OpenAI synthesizes through the speech endpoint. The endpoint is not
// chunk-streamed server side, but the response body arrives progressively, so
// reading it in slices still shortens time to first audio.
type OpenAI struct {
	config OpenAIConfig
	client openai.Client
}

var _ Provider = (*OpenAI)(nil)

func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("tts: openai api key not set")
	}
	if config.Model == "" {
		config.Model = "tts-1"
	}
	if config.Voice == "" {
		config.Voice = "alloy"
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &OpenAI{
		config: config,
		client: openai.NewClient(opts...),
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Format() Format {
	return Format{SampleRate: openAISampleRate, Channels: 1}
}

func (p *OpenAI) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)

		params := openai.AudioSpeechNewParams{
			Model:          openai.SpeechModel(p.config.Model),
			Input:          text,
			Voice:          openai.AudioSpeechNewParamsVoice(p.config.Voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		}
		if p.config.Speed > 0 {
			params.Speed = openai.Float(p.config.Speed)
		}

		resp, err := p.client.Audio.Speech.New(ctx, params)
		if err != nil {
			if ctx.Err() == nil {
				errCh <- fmt.Errorf("tts: openai speech: %w", err)
			}
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errCh <- fmt.Errorf("tts: openai read: %w", err)
				}
				return
			}
		}
	}()
	return audioCh, errCh
}
