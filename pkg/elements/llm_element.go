package elements

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/voiceloop-ai/voiceloop/pkg/llm"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/trace"
)

// maxToolRounds caps chained tool-call cycles within one turn so a confused
// model cannot loop forever.
const maxToolRounds = 4

// LLMConfig configures the chat stage.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	MaxTokens   int
	Temperature float64
}

func DefaultLLMConfig(apiKey string) LLMConfig {
	return LLMConfig{
		APIKey:      apiKey,
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
	}
}

// LLMElement turns gated user utterances into streamed assistant text. Each
// aggregated transcript opens a turn, runs a streaming completion with the
// registered tools, and emits text deltas downstream as they arrive. Tool
// calls suspend streaming, run through the registry, and feed a new request
// cycle; the final settled text lands in the conversation context.
type LLMElement struct {
	*pipeline.BaseElement

	config  LLMConfig
	client  *openai.Client
	context *llm.ContextManager
	tools   *llm.Registry
	turns   *pipeline.TurnController

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLLMElement(config LLMConfig, ctxMgr *llm.ContextManager, tools *llm.Registry, turns *pipeline.TurnController) (*LLMElement, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llm element: api key not set")
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if ctxMgr == nil {
		ctxMgr = llm.NewContextManager(llm.ContextConfig{})
	}
	return &LLMElement{
		BaseElement: pipeline.NewBaseElement("llm", 32),
		config:      config,
		context:     ctxMgr,
		tools:       tools,
		turns:       turns,
	}, nil
}

func (e *LLMElement) Start(ctx context.Context) error {
	opts := []option.RequestOption{option.WithAPIKey(e.config.APIKey)}
	if e.config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(e.config.BaseURL))
	}
	client := openai.NewClient(opts...)
	e.client = &client

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

func (e *LLMElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

// Context exposes the conversation context for session wiring (greeting,
// memory injection).
func (e *LLMElement) Context() *llm.ContextManager { return e.context }

// RunTurn generates a reply for text injected outside the audio path, such
// as the session-start greeting.
func (e *LLMElement) RunTurn(ctx context.Context, sessionID, text string) {
	e.handleTurn(ctx, &pipeline.Frame{
		Kind:      pipeline.KindSTTFinal,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Text:      &pipeline.TextData{Text: text, Timestamp: time.Now()},
	})
}

func (e *LLMElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindSTTFinal:
			if frame.Text == nil || strings.TrimSpace(frame.Text.Text) == "" {
				continue
			}
			e.handleTurn(ctx, frame)
		default:
			e.forward(ctx, frame)
		}
	}
}

func (e *LLMElement) handleTurn(ctx context.Context, frame *pipeline.Frame) {
	turnID := frame.TurnID
	turnCtx := ctx
	if e.turns != nil {
		turnID, turnCtx = e.turns.BeginTurn(ctx)
		defer e.turns.EndTurn(turnID)
	}

	turnCtx, span := trace.StartTurnSpan(turnCtx, frame.SessionID, turnID)
	defer span.End()

	e.context.AddUserMessage(frame.Text.Text)
	e.PublishEvent(pipeline.EventResponseStart, frame.SessionID, turnID, nil)

	start := time.Now()
	gotFirst := false

	for round := 0; ; round++ {
		allowTools := round < maxToolRounds
		text, toolCalls, err := e.streamOnce(turnCtx, frame.SessionID, turnID, start, &gotFirst, allowTools)
		if err != nil {
			if turnCtx.Err() != nil {
				// Interrupted mid-stream: the partial never enters context.
				log.Printf("[LLM] turn %d cancelled", turnID)
				return
			}
			log.Printf("[LLM] completion: %v", err)
			trace.RecordError(span, err)
			e.PublishEvent(pipeline.EventError, frame.SessionID, turnID, &pipeline.ErrorData{
				Stage:  "llm",
				Kind:   pipeline.KindOf(err),
				Detail: err.Error(),
			})
			e.PublishEvent(pipeline.EventResponseEnd, frame.SessionID, turnID, nil)
			return
		}

		if len(toolCalls) == 0 {
			e.context.AddAssistantMessage(text)
			e.forward(turnCtx, &pipeline.Frame{
				Kind:      pipeline.KindAssistantTextFinal,
				SessionID: frame.SessionID,
				TurnID:    turnID,
				Timestamp: time.Now(),
				Text:      &pipeline.TextData{Text: text, Timestamp: time.Now()},
			})
			e.PublishEvent(pipeline.EventResponseEnd, frame.SessionID, turnID,
				&pipeline.TextData{Text: text, Timestamp: time.Now()})
			return
		}

		e.runTools(turnCtx, frame.SessionID, turnID, toolCalls)
	}
}

// streamOnce runs a single streaming completion. It returns the accumulated
// text and any tool calls the model opened.
func (e *LLMElement) streamOnce(ctx context.Context, sessionID string, turnID uint64, turnStart time.Time, gotFirst *bool, allowTools bool) (string, []openai.ChatCompletionMessageToolCall, error) {
	ctx, span := trace.StartStageSpan(ctx, "llm", sessionID, turnID)
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Messages:    e.context.Messages(),
		Model:       shared.ChatModel(e.config.Model),
		Temperature: openai.Float(e.config.Temperature),
	}
	if e.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(e.config.MaxTokens))
	}
	// Past the round cap the request runs tool-less so the model must settle
	// on a text reply.
	if allowTools && e.tools != nil && e.tools.Len() > 0 {
		params.Tools = e.tools.Definitions()
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	var builder strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !*gotFirst {
			*gotFirst = true
			e.EmitMetric(sessionID, turnID, "llm_ttfb_ms",
				float64(time.Since(turnStart).Milliseconds()))
		}
		builder.WriteString(delta)
		e.forward(ctx, &pipeline.Frame{
			Kind:      pipeline.KindAssistantTextDelta,
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now(),
			Text:      &pipeline.TextData{Text: delta, Timestamp: time.Now()},
		})
	}
	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	if len(acc.Choices) == 0 {
		return "", nil, fmt.Errorf("llm element: empty completion")
	}

	message := acc.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		e.context.AddAssistantToolCalls(message.ToParam(), message.Content)
	}
	return builder.String(), message.ToolCalls, nil
}

func (e *LLMElement) runTools(ctx context.Context, sessionID string, turnID uint64, calls []openai.ChatCompletionMessageToolCall) {
	for _, call := range calls {
		args := json.RawMessage(call.Function.Arguments)
		log.Printf("[LLM] tool call %s(%s)", call.Function.Name, truncateText(call.Function.Arguments, 120))
		e.forward(ctx, &pipeline.Frame{
			Kind:      pipeline.KindToolCall,
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now(),
			Tool:      &pipeline.ToolData{CallID: call.ID, Name: call.Function.Name, Args: args},
		})

		result := "Error: no tool registry configured"
		if e.tools != nil {
			result = e.tools.Dispatch(ctx, call.Function.Name, args)
		}
		e.context.AddToolResult(call.ID, result)
		e.forward(ctx, &pipeline.Frame{
			Kind:      pipeline.KindToolResult,
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now(),
			Tool:      &pipeline.ToolData{CallID: call.ID, Name: call.Function.Name, Result: result},
		})
	}
}

func (e *LLMElement) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[LLM] forward %s: %v", frame.Kind, err)
	}
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
