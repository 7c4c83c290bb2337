package elements

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/llm"
	"github.com/voiceloop-ai/voiceloop/pkg/memory"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// MemoryConfig configures the memory stage.
type MemoryConfig struct {
	Store   memory.Store
	Context *llm.ContextManager

	// UserID keys the memory namespace. Usually the authenticated user, not
	// the session.
	UserID string

	// RecallLimit caps the number of injected memory lines.
	RecallLimit int

	// RecallPerTurn refreshes recalled memories against each utterance
	// instead of only at session start.
	RecallPerTurn bool

	// StoreReplies also persists assistant replies, not just user turns.
	StoreReplies bool
}

// MemoryElement injects long-term memories into the conversation context and
// persists user turns as they pass through. It sits between the gate and the
// chat stage; every frame is forwarded untouched.
type MemoryElement struct {
	*pipeline.BaseElement

	config MemoryConfig
	store  memory.Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryElement(config MemoryConfig) *MemoryElement {
	store := config.Store
	if store == nil {
		store = memory.Noop{}
	}
	if config.RecallLimit <= 0 {
		config.RecallLimit = 8
	}
	return &MemoryElement{
		BaseElement: pipeline.NewBaseElement("memory", 16),
		config:      config,
		store:       store,
	}
}

// Init primes the context with the user's memories before the first turn.
func (e *MemoryElement) Init(ctx context.Context) error {
	e.recall(ctx, "")
	return nil
}

func (e *MemoryElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()

	if e.config.StoreReplies {
		replies := make(chan pipeline.Event, 10)
		e.Bus().Subscribe(pipeline.EventResponseEnd, replies)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.Bus().Unsubscribe(pipeline.EventResponseEnd, replies)
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-replies:
					if text, ok := evt.Payload.(*pipeline.TextData); ok && text != nil {
						e.persist(ctx, "Assistant said: "+text.Text)
					}
				}
			}
		}()
	}
	return nil
}

func (e *MemoryElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

func (e *MemoryElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		if frame.Kind == pipeline.KindSTTFinal && frame.Text != nil {
			e.handleUtterance(ctx, frame)
		}
		if err := e.OutQ.Send(ctx, frame); err != nil {
			if ctx.Err() == nil {
				log.Printf("[Memory] forward %s: %v", frame.Kind, err)
			}
			return
		}
	}
}

func (e *MemoryElement) handleUtterance(ctx context.Context, frame *pipeline.Frame) {
	text := strings.TrimSpace(frame.Text.Text)
	if len(text) > 1 {
		e.persist(ctx, text)
	}
	if e.config.RecallPerTurn {
		start := time.Now()
		e.recall(ctx, text)
		e.EmitMetric(frame.SessionID, frame.TurnID, "memory_recall_ms",
			float64(time.Since(start).Milliseconds()))
	}
}

func (e *MemoryElement) recall(ctx context.Context, query string) {
	if e.config.Context == nil {
		return
	}
	lines, err := e.store.Recall(ctx, e.config.UserID, query, e.config.RecallLimit)
	if err != nil {
		log.Printf("[Memory] recall: %v", err)
		return
	}
	if len(lines) > 0 {
		e.config.Context.SetMemories(lines)
	}
}

// persist writes in the background so storage latency never touches the
// reply path.
func (e *MemoryElement) persist(ctx context.Context, text string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := e.store.Write(writeCtx, e.config.UserID, text); err != nil {
			log.Printf("[Memory] store: %v", err)
		}
	}()
}
