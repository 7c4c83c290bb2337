package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceloop-ai/voiceloop/pkg/llm"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

func writeSSE(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func textChunk(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":%s}]}`,
		content, finishJSON)
}

// streamingServer answers each completion request with the next scripted
// reply. A reply is either plain text streamed word by word, or a tool call
// when prefixed with "tool:".
func streamingServer(t *testing.T, replies []string) *httptest.Server {
	var calls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		n := int(calls.Add(1)) - 1
		require.Less(t, n, len(replies), "more completion requests than scripted replies")

		w.Header().Set("Content-Type", "text/event-stream")
		reply := replies[n]
		if name, ok := strings.CutPrefix(reply, "tool:"); ok {
			writeSSE(w, fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",`+
				`"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function",`+
				`"function":{"name":%q,"arguments":"{}"}}]},"finish_reason":null}]}`, name))
			writeSSE(w, textChunk("", "tool_calls"))
		} else {
			writeSSE(w, textChunk(reply, ""))
			writeSSE(w, textChunk("", "stop"))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func startLLMElement(t *testing.T, baseURL string, tools *llm.Registry) (*LLMElement, *llm.ContextManager, context.Context) {
	t.Helper()
	ctxMgr := llm.NewContextManager(llm.ContextConfig{Persona: "persona"})
	e, err := NewLLMElement(LLMConfig{
		APIKey:  "test-key",
		BaseURL: baseURL + "/v1",
		Model:   "gpt-4o-mini",
	}, ctxMgr, tools, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { e.Stop() })
	return e, ctxMgr, ctx
}

func TestNewLLMElementValidation(t *testing.T) {
	_, err := NewLLMElement(LLMConfig{}, nil, nil, nil)
	assert.Error(t, err)

	e, err := NewLLMElement(LLMConfig{APIKey: "k"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", e.config.Model)
	assert.NotNil(t, e.Context())
}

func TestLLMElementStreamsReply(t *testing.T) {
	ts := streamingServer(t, []string{"Hello there"})
	defer ts.Close()
	e, ctxMgr, ctx := startLLMElement(t, ts.URL, nil)

	events := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventResponseStart, events)
	e.Bus().Subscribe(pipeline.EventResponseEnd, events)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "hi")))

	delta := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindAssistantTextDelta, delta.Kind)
	assert.Equal(t, "Hello there", delta.Text.Text)

	final := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindAssistantTextFinal, final.Kind)
	assert.Equal(t, "Hello there", final.Text.Text)
	assert.Equal(t, "s1", final.SessionID)

	// user + assistant in the rolling history.
	assert.Equal(t, 2, ctxMgr.Len())

	start := <-events
	assert.Equal(t, pipeline.EventResponseStart, start.Type)
	end := <-events
	assert.Equal(t, pipeline.EventResponseEnd, end.Type)
	text, ok := end.Payload.(*pipeline.TextData)
	require.True(t, ok)
	assert.Equal(t, "Hello there", text.Text)
}

func TestLLMElementSkipsEmptyTranscripts(t *testing.T) {
	ts := streamingServer(t, nil)
	defer ts.Close()
	e, _, ctx := startLLMElement(t, ts.URL, nil)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "   ")))
	expectNoFrame(t, e.OutQ)
}

func TestLLMElementForwardsNonFinalFrames(t *testing.T) {
	ts := streamingServer(t, nil)
	defer ts.Close()
	e, _, ctx := startLLMElement(t, ts.URL, nil)

	require.NoError(t, e.InQ.Send(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStopped, "s1", 1)))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindUserSpeechStopped, out.Kind)
}

func TestLLMElementRunsToolCalls(t *testing.T) {
	ts := streamingServer(t, []string{"tool:get_robot_status", "All systems nominal"})
	defer ts.Close()

	tools := llm.NewRegistry()
	var invoked atomic.Int32
	require.NoError(t, tools.Register(llm.Tool{
		Name: "get_robot_status",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			invoked.Add(1)
			return "battery 87%", nil
		},
	}))

	e, _, ctx := startLLMElement(t, ts.URL, tools)
	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "how are you doing")))

	call := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindToolCall, call.Kind)
	require.NotNil(t, call.Tool)
	assert.Equal(t, "get_robot_status", call.Tool.Name)
	assert.Equal(t, "call_1", call.Tool.CallID)

	result := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindToolResult, result.Kind)
	assert.Equal(t, "battery 87%", result.Tool.Result)

	delta := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindAssistantTextDelta, delta.Kind)
	final := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindAssistantTextFinal, final.Kind)
	assert.Equal(t, "All systems nominal", final.Text.Text)

	assert.Equal(t, int32(1), invoked.Load())
}

func TestLLMElementRunTurn(t *testing.T) {
	ts := streamingServer(t, []string{"Welcome back"})
	defer ts.Close()
	e, ctxMgr, ctx := startLLMElement(t, ts.URL, nil)

	go e.RunTurn(ctx, "s1", "Greet the user warmly.")

	delta := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindAssistantTextDelta, delta.Kind)
	final := recvFrame(t, e.OutQ)
	assert.Equal(t, "Welcome back", final.Text.Text)
	assert.Equal(t, 2, ctxMgr.Len())
}

func TestLLMElementEmitsErrorEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()
	e, _, ctx := startLLMElement(t, ts.URL, nil)

	events := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventError, events)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "hi")))

	select {
	case evt := <-events:
		assert.Equal(t, pipeline.EventError, evt.Type)
		errData, ok := evt.Payload.(*pipeline.ErrorData)
		require.True(t, ok)
		assert.Equal(t, "llm", errData.Stage)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}
