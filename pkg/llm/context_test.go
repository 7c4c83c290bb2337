package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renderMessage flattens a request message into role and content for
// assertions.
func renderMessage(t *testing.T, m openai.ChatCompletionMessageParamUnion) (string, string) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var content string
	if len(decoded.Content) > 0 && decoded.Content[0] == '"' {
		require.NoError(t, json.Unmarshal(decoded.Content, &content))
	} else {
		content = string(decoded.Content)
	}
	return decoded.Role, content
}

func TestContextManagerSystemHead(t *testing.T) {
	c := NewContextManager(ContextConfig{Persona: "You are TARS, a helpful robot."})
	c.AddUserMessage("hello")

	msgs := c.Messages()
	require.Len(t, msgs, 2)

	role, content := renderMessage(t, msgs[0])
	assert.Equal(t, "system", role)
	assert.Equal(t, "You are TARS, a helpful robot.", content)

	role, content = renderMessage(t, msgs[1])
	assert.Equal(t, "user", role)
	assert.Equal(t, "hello", content)
}

func TestContextManagerMemoriesInSystemHead(t *testing.T) {
	c := NewContextManager(ContextConfig{Persona: "You are TARS."})
	c.SetMemories([]string{"Likes coffee", "Works from home"})

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	_, content := renderMessage(t, msgs[0])
	assert.True(t, strings.HasPrefix(content, "You are TARS."))
	assert.Contains(t, content, "Things you remember about this user:")
	assert.Contains(t, content, "- Likes coffee")
	assert.Contains(t, content, "- Works from home")

	c.SetMemories(nil)
	_, content = renderMessage(t, c.Messages()[0])
	assert.Equal(t, "You are TARS.", content)
}

func TestContextManagerTrimsOldest(t *testing.T) {
	// Each 40-char message estimates to 11 tokens, so a budget of 20 holds
	// only one of them.
	c := NewContextManager(ContextConfig{Persona: "p", TokenBudget: 20})
	c.AddUserMessage(strings.Repeat("a", 40))
	c.AddAssistantMessage(strings.Repeat("b", 40))
	c.AddUserMessage(strings.Repeat("c", 40))

	require.Equal(t, 1, c.Len())
	_, content := renderMessage(t, c.Messages()[1])
	assert.Equal(t, strings.Repeat("c", 40), content)
}

func TestContextManagerTrimKeepsToolPairs(t *testing.T) {
	c := NewContextManager(ContextConfig{Persona: "p", TokenBudget: 40})
	c.AddUserMessage(strings.Repeat("a", 60))
	c.AddAssistantToolCalls(openai.AssistantMessage("checking"), "checking")
	c.AddToolResult("call_1", "sunny, 21C")
	c.AddAssistantMessage("It is sunny.")

	// Overflow the budget so the oldest entries go.
	c.AddUserMessage(strings.Repeat("z", 120))

	for i, m := range c.Messages()[1:] {
		role, _ := renderMessage(t, m)
		if role == "tool" {
			prevRole, _ := renderMessage(t, c.Messages()[i])
			assert.Equal(t, "assistant", prevRole,
				"tool result must directly follow its assistant call")
		}
	}
	// The latest user message always survives.
	last := c.Messages()[len(c.Messages())-1]
	role, content := renderMessage(t, last)
	assert.Equal(t, "user", role)
	assert.Equal(t, strings.Repeat("z", 120), content)
}

func TestContextManagerToolResultNeverLeads(t *testing.T) {
	c := NewContextManager(ContextConfig{Persona: "p", TokenBudget: 30})
	c.AddAssistantToolCalls(openai.AssistantMessage("looking"), "looking")
	c.AddToolResult("call_1", strings.Repeat("r", 80))
	c.AddUserMessage(strings.Repeat("u", 80))

	msgs := c.Messages()
	require.Greater(t, len(msgs), 1)
	role, _ := renderMessage(t, msgs[1])
	assert.NotEqual(t, "tool", role)
}

func TestContextManagerReset(t *testing.T) {
	c := NewContextManager(ContextConfig{Persona: "persona"})
	c.SetMemories([]string{"fact"})
	c.AddUserMessage("hello")
	c.AddAssistantMessage("hi")
	require.Equal(t, 2, c.Len())

	c.Reset()
	assert.Equal(t, 0, c.Len())

	_, content := renderMessage(t, c.Messages()[0])
	assert.Contains(t, content, "persona")
	assert.Contains(t, content, "fact")
}
