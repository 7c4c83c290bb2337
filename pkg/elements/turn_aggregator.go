package elements

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// TurnAggregator collects the recognizer's final transcript segments for the
// current utterance and releases them as one frame when the speech boundary
// arrives. Deepgram settles long utterances in several finals; downstream
// stages want the whole user turn in one piece.
//
// Segments keep their speaker labels so a multi-party utterance reads as
// "S0: pass the salt S1: sure" when it reaches the gate.
type TurnAggregator struct {
	*pipeline.BaseElement

	mu       sync.Mutex
	segments []string
	lastSeg  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTurnAggregator() *TurnAggregator {
	return &TurnAggregator{
		BaseElement: pipeline.NewBaseElement("turn_aggregator", 16),
	}
}

func (a *TurnAggregator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
	return nil
}

func (a *TurnAggregator) Stop() error {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
		a.cancel = nil
	}
	return nil
}

func (a *TurnAggregator) run(ctx context.Context) {
	for {
		frame, err := a.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindSTTFinal:
			a.collect(frame)
		case pipeline.KindUserSpeechStopped:
			a.release(ctx, frame)
		case pipeline.KindInterrupt:
			a.clear()
			a.forward(ctx, frame)
		default:
			a.forward(ctx, frame)
		}
	}
}

func (a *TurnAggregator) collect(frame *pipeline.Frame) {
	if frame.Text == nil {
		return
	}
	text := strings.TrimSpace(frame.Text.Text)
	if text == "" {
		return
	}
	seg := text
	if frame.Text.SpeakerID != "" {
		seg = frame.Text.SpeakerID + ": " + text
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Providers occasionally resend the last settled segment after the
	// utterance-end signal races a final. Drop exact repeats.
	if seg == a.lastSeg {
		return
	}
	a.segments = append(a.segments, seg)
	a.lastSeg = seg
}

func (a *TurnAggregator) release(ctx context.Context, boundary *pipeline.Frame) {
	a.mu.Lock()
	text := strings.Join(a.segments, " ")
	a.segments = nil
	a.lastSeg = ""
	a.mu.Unlock()

	if text == "" {
		a.forward(ctx, boundary)
		return
	}

	a.forward(ctx, &pipeline.Frame{
		Kind:      pipeline.KindSTTFinal,
		SessionID: boundary.SessionID,
		TurnID:    boundary.TurnID,
		Timestamp: time.Now(),
		Text:      &pipeline.TextData{Text: text, Timestamp: time.Now()},
	})
	a.forward(ctx, boundary)
}

func (a *TurnAggregator) clear() {
	a.mu.Lock()
	a.segments = nil
	a.lastSeg = ""
	a.mu.Unlock()
}

func (a *TurnAggregator) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := a.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[TurnAggregator] forward %s: %v", frame.Kind, err)
	}
}
