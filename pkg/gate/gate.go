// Package gate decides whether the assistant should reply to an utterance.
// In multi-party rooms most speech is between humans; the gate keeps the
// assistant quiet unless it is actually being addressed.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Decision is the gate's verdict for one utterance.
type Decision struct {
	Reply bool
	// Reason is a short label for observers: "addressed", "inter_human",
	// "empty", "fail_open", "fail_closed", "always".
	Reason string
}

// Classifier judges whether an utterance is addressed to the assistant.
type Classifier interface {
	ShouldReply(ctx context.Context, utterance string) (Decision, error)
}

// AlwaysReply passes every utterance through. Used for single-user sessions
// where gating is noise.
type AlwaysReply struct{}

func (AlwaysReply) ShouldReply(ctx context.Context, utterance string) (Decision, error) {
	return Decision{Reply: true, Reason: "always"}, nil
}

const classifierSystemPrompt = "You are a conversational traffic controller for a voice assistant. " +
	"Analyze the last user message. " +
	"The input may contain speaker labels like 'S0:' or 'S1:'. " +
	"Output JSON: {\"reply\": true} ONLY if:\n" +
	"1. The user explicitly addresses the assistant by name or as 'Bot', 'Computer', or 'AI'.\n" +
	"2. The context clearly implies a question or command directed at the AI.\n" +
	"3. The user is asking for help, information, or assistance.\n" +
	"Output JSON: {\"reply\": false} if:\n" +
	"- Users are talking to each other (e.g., 'S1: Yes, I agree').\n" +
	"- The user is thinking out loud, mumbling, or self-correcting.\n" +
	"- The user is pausing (e.g., 'Umm...', 'Let me see...', 'Wait').\n" +
	"- The conversation is clearly between humans, not directed at the assistant.\n" +
	"Be conservative. If unsure or if it's inter-human conversation, output false."

// LLMClassifierConfig configures the fast-model classifier.
type LLMClassifierConfig struct {
	// APIKey and BaseURL select any OpenAI-compatible endpoint. Small hosted
	// models keep the round trip inside the latency budget.
	APIKey  string
	BaseURL string
	Model   string

	// AssistantName is substituted into the prompt so explicit mentions of
	// the configured persona count as addressing.
	AssistantName string

	// Timeout bounds the classification round trip. On expiry the gate
	// fails open unless FailClosed is set.
	Timeout time.Duration

	// FailClosed drops utterances when the classifier errors instead of
	// replying to them.
	FailClosed bool
}

func DefaultLLMClassifierConfig(apiKey string) LLMClassifierConfig {
	return LLMClassifierConfig{
		APIKey:        apiKey,
		Model:         "Qwen/Qwen2.5-7B-Instruct",
		AssistantName: "TARS",
		Timeout:       400 * time.Millisecond,
	}
}

// LLMClassifier asks a small chat model for a {"reply": bool} verdict.
type LLMClassifier struct {
	client *openai.Client
	config LLMClassifierConfig
}

var _ Classifier = (*LLMClassifier)(nil)

func NewLLMClassifier(config LLMClassifierConfig) (*LLMClassifier, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gate: api key not set")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("gate: model not set")
	}
	if config.Timeout <= 0 {
		config.Timeout = 400 * time.Millisecond
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &LLMClassifier{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

func (c *LLMClassifier) ShouldReply(ctx context.Context, utterance string) (Decision, error) {
	if strings.TrimSpace(utterance) == "" {
		return Decision{Reply: false, Reason: "empty"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	prompt := classifierSystemPrompt
	if c.config.AssistantName != "" {
		prompt = strings.ReplaceAll(prompt, "the assistant by name", fmt.Sprintf("%q", c.config.AssistantName))
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("User message: '%s'", utterance)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return c.failVerdict(), err
	}
	if len(resp.Choices) == 0 {
		return c.failVerdict(), fmt.Errorf("gate: empty completion")
	}

	content := resp.Choices[0].Message.Content
	content = strings.ReplaceAll(content, "```json", "")
	content = strings.ReplaceAll(content, "```", "")
	content = strings.TrimSpace(content)

	var verdict struct {
		Reply bool `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		log.Printf("[Gate] unparseable verdict %q: %v", content, err)
		return c.failVerdict(), nil
	}

	reason := "inter_human"
	if verdict.Reply {
		reason = "addressed"
	}
	return Decision{Reply: verdict.Reply, Reason: reason}, nil
}

func (c *LLMClassifier) failVerdict() Decision {
	if c.config.FailClosed {
		return Decision{Reply: false, Reason: "fail_closed"}
	}
	return Decision{Reply: true, Reason: "fail_open"}
}
