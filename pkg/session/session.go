package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
	"github.com/voiceloop-ai/voiceloop/pkg/elements"
	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/llm"
	"github.com/voiceloop-ai/voiceloop/pkg/memory"
	"github.com/voiceloop-ai/voiceloop/pkg/metrics"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/robot"
	"github.com/voiceloop-ai/voiceloop/pkg/stt"
	"github.com/voiceloop-ai/voiceloop/pkg/trace"
	"github.com/voiceloop-ai/voiceloop/pkg/tts"
	"github.com/voiceloop-ai/voiceloop/pkg/vision"
)

// sttSampleRate is what the VAD and recognizer consume; inbound transport
// audio is downsampled to it at the head of the graph.
const sttSampleRate = 16000

// Config selects the providers and policies for one session. Recognizer and
// TTS are required; everything else has a working default.
type Config struct {
	// UserID keys long-term memory. Empty disables the memory namespace and
	// falls back to the session id.
	UserID string

	Persona Persona

	// Recognizer streams inbound speech to text.
	Recognizer stt.Recognizer

	// TTS synthesizes assistant sentences.
	TTS tts.Provider

	// GateClassifier judges whether an utterance addresses the assistant.
	// Nil degrades to AlwaysReply.
	GateClassifier gate.Classifier

	// Memory is the long-term store. Nil disables recall and persistence.
	Memory        memory.Store
	RecallLimit   int
	RecallPerTurn bool
	StoreReplies  bool

	// Robot, when set, registers the hardware tool surface. Browser sessions
	// leave it nil and the model never sees the schemas.
	Robot *robot.Client

	// Vision backs the camera tool. Only consulted when Robot is set.
	Vision vision.Analyzer

	LLM      elements.LLMConfig
	VAD      elements.VADConfig
	Splitter elements.SentenceSplitterConfig
	Turn     pipeline.TurnControllerConfig
	Observer metrics.ObserverConfig

	// HoldPartials suppresses interim captions on the data channel while
	// assistant audio is playing.
	HoldPartials bool

	// Greet runs the persona greeting as a hidden first turn once the
	// session starts.
	Greet bool
}

// DefaultConfig returns the session tuning shared by robot and browser
// deployments. Providers must still be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Persona:      DefaultPersona(),
		VAD:          elements.DefaultVADConfig(),
		Splitter:     elements.DefaultSentenceSplitterConfig(),
		Turn:         pipeline.DefaultTurnControllerConfig(),
		Observer:     metrics.DefaultObserverConfig(),
		HoldPartials: true,
		Greet:        true,
	}
}

// Session is the per-peer conversation: one transport connection, one element
// graph, one turn counter. The graph is wired at construction and never
// changes; Stop tears the whole thing down.
type Session struct {
	id     string
	config Config

	conn     connection.Connection
	pipe     *pipeline.Pipeline
	turns    *pipeline.TurnController
	observer *metrics.Observer
	notify   *notifier

	llm      *elements.LLMElement
	splitter *elements.SentenceSplitterElement
	sink     *elements.PacerSinkElement

	cancel  context.CancelFunc
	endSpan func()
	wg      sync.WaitGroup
}

// New assembles the graph for one peer. The connection is adopted, not
// started: audio begins to flow when Start is called.
func New(conn connection.Connection, config Config) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("session: connection not set")
	}
	if config.Recognizer == nil {
		return nil, fmt.Errorf("session: recognizer not set")
	}
	if config.TTS == nil {
		return nil, fmt.Errorf("session: tts provider not set")
	}

	id := conn.PeerID()
	pipe := pipeline.NewPipeline(id)
	turns := pipeline.NewTurnController(pipe.Bus(), config.Turn)

	ctxMgr := llm.NewContextManager(llm.ContextConfig{Persona: config.Persona.SystemPrompt})
	registry := llm.NewRegistry()
	switch {
	case config.Robot != nil:
		tools := robot.NewTools(config.Robot, config.Vision, nil)
		if err := tools.Register(registry); err != nil {
			return nil, fmt.Errorf("session: register robot tools: %w", err)
		}
	case config.Vision != nil:
		// Browser peers look through their own camera track instead of
		// robot hardware.
		if cam, ok := conn.(connection.VideoCapturer); ok {
			tool, err := vision.NewCameraTool(cam.CaptureVideoFrame, config.Vision)
			if err != nil {
				return nil, fmt.Errorf("session: %w", err)
			}
			if err := tool.Register(registry); err != nil {
				return nil, fmt.Errorf("session: register camera tool: %w", err)
			}
		}
	}

	llmEl, err := elements.NewLLMElement(config.LLM, ctxMgr, registry, turns)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	userID := config.UserID
	if userID == "" {
		userID = id
	}

	inResample := elements.NewResampleElement(elements.ResampleConfig{
		OutRate:     sttSampleRate,
		OutChannels: 1,
	})
	vadEl, err := elements.NewVADElement(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	sttEl := elements.NewSTTElement(config.Recognizer)
	aggEl := elements.NewTurnAggregator()
	gateEl := elements.NewGateElement(config.GateClassifier)
	memEl := elements.NewMemoryElement(elements.MemoryConfig{
		Store:         config.Memory,
		Context:       ctxMgr,
		UserID:        userID,
		RecallLimit:   config.RecallLimit,
		RecallPerTurn: config.RecallPerTurn,
		StoreReplies:  config.StoreReplies,
	})
	splitEl := elements.NewSentenceSplitterElement(config.Splitter)
	ttsEl := elements.NewTTSElement(config.TTS)
	outResample := elements.NewResampleElement(elements.DefaultResampleConfig())
	sinkEl := elements.NewPacerSinkElement(elements.DefaultPacerSinkConfig())

	chain := []pipeline.Element{
		inResample, vadEl, sttEl, aggEl, gateEl, memEl,
		llmEl, splitEl, ttsEl, outResample, sinkEl,
	}
	pipe.AddElements(chain)
	for i := 0; i < len(chain)-1; i++ {
		pipe.Link(chain[i], chain[i+1])
	}

	s := &Session{
		id:       id,
		config:   config,
		conn:     conn,
		pipe:     pipe,
		turns:    turns,
		llm:      llmEl,
		splitter: splitEl,
		sink:     sinkEl,
		notify:   newNotifier(conn, pipe.Bus(), config.HoldPartials),
	}
	s.observer = metrics.NewObserver(pipe.Bus(), config.Observer, s.notify.PublishSnapshot)
	return s, nil
}

// ID returns the session identifier, which equals the transport peer id.
func (s *Session) ID() string { return s.id }

// Bus exposes the session's event bus for observers and tests.
func (s *Session) Bus() pipeline.Bus { return s.pipe.Bus() }

// Context exposes the conversation context manager.
func (s *Session) Context() *llm.ContextManager { return s.llm.Context() }

// Start brings up the graph and begins consuming transport audio.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := trace.StartSessionSpan(ctx, s.id)
	s.endSpan = span.End

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.pipe.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	if err := s.turns.Start(ctx); err != nil {
		s.pipe.Stop()
		cancel()
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	s.observer.Start(ctx)
	s.notify.Start(ctx)

	s.conn.RegisterEventHandler(&sessionConnHandler{session: s, ctx: ctx})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.playoutLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.interruptLoop(ctx)
	}()

	if s.config.Greet && s.config.Persona.Greeting != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.llm.RunTurn(ctx, s.id, s.config.Persona.Greeting)
		}()
	}

	log.Printf("[Session %s] started", s.id)
	return nil
}

// Stop tears the session down. Safe to call more than once.
func (s *Session) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil

	s.notify.Stop()
	s.observer.Stop()
	s.turns.Stop()
	err := s.pipe.Stop()
	s.wg.Wait()
	if s.endSpan != nil {
		s.endSpan()
		s.endSpan = nil
	}
	log.Printf("[Session %s] stopped", s.id)
	return err
}

// playoutLoop drains paced audio frames into the transport.
func (s *Session) playoutLoop(ctx context.Context) {
	out := s.sink.Out().Chan()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-out:
			if !ok {
				return
			}
			s.conn.SendMessage(frame)
		}
	}
}

// interruptLoop converts barge-in bus events into interrupt frames for the
// playback half of the graph. The splitter drops its buffer and forwards the
// frame through TTS and the pacer, so pending speech dies within one hop
// each.
func (s *Session) interruptLoop(ctx context.Context) {
	events := make(chan pipeline.Event, 8)
	s.pipe.Bus().Subscribe(pipeline.EventInterrupted, events)
	defer s.pipe.Bus().Unsubscribe(pipeline.EventInterrupted, events)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			reason := "interrupt"
			if c, ok := evt.Payload.(*pipeline.ControlData); ok && c != nil && c.Reason != "" {
				reason = c.Reason
			}
			frame := pipeline.NewInterruptFrame(s.id, evt.TurnID, reason)
			if err := s.splitter.In().Send(ctx, frame); err != nil && ctx.Err() == nil {
				log.Printf("[Session %s] interrupt inject: %v", s.id, err)
			}
		}
	}
}

// handleInbound pushes one decoded transport frame into the graph head.
func (s *Session) handleInbound(ctx context.Context, frame *pipeline.Frame) {
	pushCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := s.pipe.Push(pushCtx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[Session %s] push: %v", s.id, err)
	}
}

// sessionConnHandler adapts connection callbacks onto the session.
type sessionConnHandler struct {
	session *Session
	ctx     context.Context
}

func (h *sessionConnHandler) OnConnectionStateChange(state connection.ConnectionState) {
	log.Printf("[Session %s] connection %s", h.session.id, state)
	if state == connection.ConnectionStateClosed {
		go h.session.Stop()
	}
}

func (h *sessionConnHandler) OnMessage(frame *pipeline.Frame) {
	h.session.handleInbound(h.ctx, frame)
}

func (h *sessionConnHandler) OnData(data []byte) {
	// Inbound metadata is currently ignored; the channel is server to peer.
}

func (h *sessionConnHandler) OnError(err error) {
	log.Printf("[Session %s] connection error: %v", h.session.id, err)
}
