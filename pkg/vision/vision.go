// Package vision analyses camera frames for the capture_camera_view tool.
package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultPrompt = "Describe what you see in one or two short sentences, " +
	"as if telling a person in the room. Mention people, objects, and anything unusual."

// Analyzer describes one image. Implementations must respect the context
// deadline; frame analysis happens inside the tool-call budget.
type Analyzer interface {
	Describe(ctx context.Context, jpeg []byte, prompt string) (string, error)
}

// GeminiConfig configures the Gemini-backed analyzer.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:  apiKey,
		Model:   "gemini-2.0-flash",
		Timeout: 15 * time.Second,
	}
}

// GeminiAnalyzer sends a JPEG frame and prompt to a Gemini vision model.
type GeminiAnalyzer struct {
	client *genai.Client
	config GeminiConfig
}

var _ Analyzer = (*GeminiAnalyzer)(nil)

func NewGeminiAnalyzer(ctx context.Context, config GeminiConfig) (*GeminiAnalyzer, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("vision: api key not set")
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vision: create gemini client: %w", err)
	}
	return &GeminiAnalyzer{client: client, config: config}, nil
}

func (a *GeminiAnalyzer) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	if len(jpeg) == 0 {
		return "", fmt.Errorf("vision: empty image")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPrompt
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	contents := []*genai.Content{{
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: jpeg}},
		},
	}}
	resp, err := a.client.Models.GenerateContent(ctx, a.config.Model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("vision: generate: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return "", fmt.Errorf("vision: empty response")
	}
	return text, nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
