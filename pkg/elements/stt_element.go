package elements

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/stt"
)

// sttInterimDeadline is how long the element waits for the first provider
// result after speech starts. Missing it surfaces a transient error and
// forces the recognizer onto a fresh connection.
const sttInterimDeadline = 1500 * time.Millisecond

// STTElement bridges the audio path into a streaming recognizer. Inbound
// audio frames are forwarded to the provider; transcription results come
// back as interim and final text frames. Speech boundary control frames
// pass through so the aggregator sees them in order.
type STTElement struct {
	*pipeline.BaseElement

	recognizer      stt.Recognizer
	interimDeadline time.Duration

	mu            sync.Mutex
	sessionID     string
	speechStartAt time.Time
	gotResult     bool
	watchdog      *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSTTElement(recognizer stt.Recognizer) *STTElement {
	return &STTElement{
		BaseElement:     pipeline.NewBaseElement("stt", 16),
		recognizer:      recognizer,
		interimDeadline: sttInterimDeadline,
	}
}

func (e *STTElement) Init(ctx context.Context) error {
	return e.recognizer.Start(ctx)
}

func (e *STTElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.audioLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.resultLoop(ctx)
	}()
	return nil
}

func (e *STTElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.recognizer.Close()
	e.wg.Wait()
	e.cancel = nil

	e.mu.Lock()
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	e.mu.Unlock()
	return err
}

func (e *STTElement) audioLoop(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindAudioInput:
			if frame.Audio == nil || len(frame.Audio.PCM) == 0 {
				continue
			}
			e.noteSession(frame.SessionID)
			if err := e.recognizer.SendAudio(frame.Audio.PCM); err != nil {
				log.Printf("[STT] send audio: %v", err)
				e.PublishEvent(pipeline.EventError, frame.SessionID, frame.TurnID, &pipeline.ErrorData{
					Stage:  "stt",
					Kind:   pipeline.KindOf(err),
					Detail: err.Error(),
				})
			}
		case pipeline.KindUserSpeechStarted:
			e.armWatchdog(frame.SessionID, frame.TurnID)
			e.forward(ctx, frame)
		case pipeline.KindUserSpeechStopped:
			e.disarmWatchdog()
			e.forward(ctx, frame)
		default:
			e.forward(ctx, frame)
		}
	}
}

func (e *STTElement) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-e.recognizer.Results():
			if !ok {
				return
			}
			e.handleResult(ctx, res)
		}
	}
}

func (e *STTElement) handleResult(ctx context.Context, res stt.Result) {
	e.mu.Lock()
	sessionID := e.sessionID
	if !e.gotResult && !e.speechStartAt.IsZero() {
		e.gotResult = true
		if e.watchdog != nil {
			e.watchdog.Stop()
			e.watchdog = nil
		}
		ttfb := float64(time.Since(e.speechStartAt).Milliseconds())
		e.mu.Unlock()
		e.EmitMetric(sessionID, 0, "stt_ttfb_ms", ttfb)
	} else {
		e.mu.Unlock()
	}

	if res.UtteranceEnd {
		e.forward(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStopped, sessionID, 0))
		return
	}
	if res.Text == "" {
		return
	}

	kind := pipeline.KindSTTInterim
	event := pipeline.EventPartialTranscript
	if res.Final {
		kind = pipeline.KindSTTFinal
		event = pipeline.EventTranscript
	}

	text := &pipeline.TextData{
		Text:      res.Text,
		SpeakerID: res.SpeakerID,
		Timestamp: time.Now(),
	}
	e.PublishEvent(event, sessionID, 0, text)
	e.forward(ctx, &pipeline.Frame{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Text:      text,
	})
}

func (e *STTElement) noteSession(sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
}

func (e *STTElement) armWatchdog(sessionID string, turnID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speechStartAt = time.Now()
	e.gotResult = false
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.watchdog = time.AfterFunc(e.interimDeadline, func() {
		log.Printf("[STT] no transcript within %v of speech start, reconnecting", e.interimDeadline)
		e.PublishEvent(pipeline.EventError, sessionID, turnID, &pipeline.ErrorData{
			Stage:  "stt",
			Kind:   pipeline.ErrTransientNetwork,
			Detail: "no transcript within interim deadline",
		})
		if rc, ok := e.recognizer.(interface{ Reconnect() }); ok {
			rc.Reconnect()
		}
	})
}

func (e *STTElement) disarmWatchdog() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	e.speechStartAt = time.Time{}
}

func (e *STTElement) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[STT] forward %s: %v", frame.Kind, err)
	}
}
