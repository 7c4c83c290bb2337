package elements

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// GateElement filters aggregated user turns through a reply classifier.
// Utterances judged inter-human are swallowed here; everything else,
// including interims and control frames, passes untouched. Interims still
// flow so observers can render live captions for turns the gate later drops.
type GateElement struct {
	*pipeline.BaseElement

	classifier gate.Classifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateElement wires the classifier into the pipeline. A nil classifier
// degrades to AlwaysReply.
func NewGateElement(classifier gate.Classifier) *GateElement {
	if classifier == nil {
		classifier = gate.AlwaysReply{}
	}
	return &GateElement{
		BaseElement: pipeline.NewBaseElement("gate", 16),
		classifier:  classifier,
	}
}

func (e *GateElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

func (e *GateElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

func (e *GateElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		if frame.Kind != pipeline.KindSTTFinal || frame.Text == nil {
			e.forward(ctx, frame)
			continue
		}
		e.judge(ctx, frame)
	}
}

func (e *GateElement) judge(ctx context.Context, frame *pipeline.Frame) {
	start := time.Now()
	decision, err := e.classifier.ShouldReply(ctx, frame.Text.Text)
	if err != nil {
		log.Printf("[Gate] classify: %v (verdict %s)", err, decision.Reason)
	}
	e.EmitMetric(frame.SessionID, frame.TurnID, "gate_latency_ms",
		float64(time.Since(start).Milliseconds()))
	e.PublishEvent(pipeline.EventGateDecision, frame.SessionID, frame.TurnID, &decision)

	if !decision.Reply {
		log.Printf("[Gate] dropped utterance (%s): %q", decision.Reason, frame.Text.Text)
		e.EmitMetric(frame.SessionID, frame.TurnID, "gate_suppress", 1)
		return
	}
	e.forward(ctx, frame)
}

func (e *GateElement) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[Gate] forward %s: %v", frame.Kind, err)
	}
}
