// Package llm holds the conversation context manager and the tool registry
// shared by the chat stage.
package llm

import (
	"strings"
	"sync"

	"github.com/openai/openai-go"
)

// defaultTokenBudget is the context window slice reserved for history. The
// estimate is coarse (4 bytes per token) so the budget leaves headroom.
const defaultTokenBudget = 6000

// ContextConfig tunes the context manager.
type ContextConfig struct {
	// Persona is the base system prompt.
	Persona string

	// TokenBudget caps estimated history tokens; oldest non-system messages
	// are elided beyond it. Zero selects the default.
	TokenBudget int
}

type message struct {
	param  openai.ChatCompletionMessageParamUnion
	tokens int

	// toolCalls marks an assistant message that opened tool calls; its
	// results directly follow and are elided together with it.
	toolCalls  bool
	toolResult bool
}

// ContextManager assembles the message array for each model request: a
// system head built from the persona and recalled memories, followed by the
// rolling turn history under a token budget.
type ContextManager struct {
	mu       sync.Mutex
	persona  string
	memories []string
	budget   int
	history  []message
}

func NewContextManager(config ContextConfig) *ContextManager {
	if config.TokenBudget <= 0 {
		config.TokenBudget = defaultTokenBudget
	}
	return &ContextManager{
		persona: config.Persona,
		budget:  config.TokenBudget,
	}
}

// SetMemories replaces the recalled memory lines injected into the system
// head. Called at session start and optionally per turn.
func (c *ContextManager) SetMemories(memories []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memories = memories
}

// SetPersona replaces the base system prompt.
func (c *ContextManager) SetPersona(persona string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persona = persona
}

func (c *ContextManager) AddUserMessage(text string) {
	c.append(message{
		param:  openai.UserMessage(text),
		tokens: estimateTokens(text),
	})
}

func (c *ContextManager) AddAssistantMessage(text string) {
	c.append(message{
		param:  openai.AssistantMessage(text),
		tokens: estimateTokens(text),
	})
}

// AddAssistantToolCalls records the assistant message that opened one or more
// tool calls, as returned by the completion accumulator.
func (c *ContextManager) AddAssistantToolCalls(param openai.ChatCompletionMessageParamUnion, approxText string) {
	c.append(message{
		param:     param,
		tokens:    estimateTokens(approxText) + 32,
		toolCalls: true,
	})
}

func (c *ContextManager) AddToolResult(callID, content string) {
	c.append(message{
		param:      openai.ToolMessage(content, callID),
		tokens:     estimateTokens(content),
		toolResult: true,
	})
}

// Messages renders the request array: system head first, then history.
func (c *ContextManager) Messages() []openai.ChatCompletionMessageParamUnion {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(c.history)+1)
	out = append(out, openai.SystemMessage(c.systemHead()))
	for _, m := range c.history {
		out = append(out, m.param)
	}
	return out
}

// Len returns the number of history messages (system head excluded).
func (c *ContextManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Reset drops the turn history, keeping persona and memories.
func (c *ContextManager) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

func (c *ContextManager) systemHead() string {
	if len(c.memories) == 0 {
		return c.persona
	}
	var b strings.Builder
	b.WriteString(c.persona)
	b.WriteString("\n\nThings you remember about this user:\n")
	for _, m := range c.memories {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}

func (c *ContextManager) append(m message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	c.trim()
}

// trim elides the oldest history until the estimate fits the budget. An
// assistant message that opened tool calls is removed together with the
// results that follow it, and a result never survives without its call.
func (c *ContextManager) trim() {
	for c.totalTokens() > c.budget && len(c.history) > 1 {
		n := 1
		if c.history[0].toolCalls {
			for n < len(c.history) && c.history[n].toolResult {
				n++
			}
		}
		if n >= len(c.history) {
			return
		}
		c.history = c.history[n:]
		for len(c.history) > 0 && c.history[0].toolResult {
			c.history = c.history[1:]
		}
	}
}

func (c *ContextManager) totalTokens() int {
	total := 0
	for _, m := range c.history {
		total += m.tokens
	}
	return total
}

func estimateTokens(s string) int {
	return len(s)/4 + 1
}
