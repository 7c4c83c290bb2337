package elements

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/tts"
)

// TTSElement synthesizes sentence-sized assistant text into PCM frames.
// Sentences queue behind one synthesis worker so audio comes out in order;
// an interrupt cancels the in-flight synthesis and invalidates everything
// queued behind it. TTSStarted marks the first audio frame of a turn,
// TTSStopped follows the flush after the settled final.
type TTSElement struct {
	*pipeline.BaseElement

	provider tts.Provider
	jobs     chan ttsJob
	gen      atomic.Uint64

	mu          sync.Mutex
	synthCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ttsJob struct {
	gen       uint64
	text      string
	endOfTurn bool
	session   string
	turnID    uint64
	queuedAt  time.Time
}

func NewTTSElement(provider tts.Provider) *TTSElement {
	return &TTSElement{
		BaseElement: pipeline.NewBaseElement("tts", 64),
		provider:    provider,
		jobs:        make(chan ttsJob, 32),
	}
}

func (e *TTSElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.synthLoop(ctx)
	}()
	return nil
}

func (e *TTSElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

func (e *TTSElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindAssistantTextDelta:
			if frame.Text == nil || strings.TrimSpace(frame.Text.Text) == "" {
				continue
			}
			e.enqueue(ctx, ttsJob{
				gen:      e.gen.Load(),
				text:     frame.Text.Text,
				session:  frame.SessionID,
				turnID:   frame.TurnID,
				queuedAt: time.Now(),
			})
		case pipeline.KindAssistantTextFinal:
			e.enqueue(ctx, ttsJob{
				gen:       e.gen.Load(),
				endOfTurn: true,
				session:   frame.SessionID,
				turnID:    frame.TurnID,
			})
			e.forward(ctx, frame)
		case pipeline.KindInterrupt:
			e.gen.Add(1)
			e.cancelSynthesis()
			e.forward(ctx, frame)
		default:
			e.forward(ctx, frame)
		}
	}
}

func (e *TTSElement) enqueue(ctx context.Context, job ttsJob) {
	select {
	case e.jobs <- job:
	case <-ctx.Done():
	}
}

func (e *TTSElement) cancelSynthesis() {
	e.mu.Lock()
	cancel := e.synthCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *TTSElement) synthLoop(ctx context.Context) {
	speaking := false
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			if job.gen != e.gen.Load() {
				speaking = false
				continue
			}
			if job.endOfTurn {
				if speaking {
					e.forward(ctx, pipeline.NewControlFrame(pipeline.KindTTSStopped, job.session, job.turnID))
					speaking = false
				}
				continue
			}
			e.synthesize(ctx, job, &speaking)
		}
	}
}

func (e *TTSElement) synthesize(ctx context.Context, job ttsJob, speaking *bool) {
	synthCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.synthCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.synthCancel = nil
		e.mu.Unlock()
	}()

	format := e.provider.Format()
	audioCh, errCh := e.provider.Synthesize(synthCtx, job.text)

	for {
		select {
		case <-synthCtx.Done():
			if ctx.Err() == nil {
				*speaking = false
			}
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err == nil {
				continue
			}
			log.Printf("[TTS] %s synthesize: %v", e.provider.Name(), err)
			e.PublishEvent(pipeline.EventError, job.session, job.turnID, &pipeline.ErrorData{
				Stage:  "tts",
				Kind:   pipeline.KindOf(err),
				Detail: err.Error(),
			})
			return
		case pcm, ok := <-audioCh:
			if !ok {
				return
			}
			if len(pcm) == 0 {
				continue
			}
			if job.gen != e.gen.Load() {
				return
			}
			if !*speaking {
				*speaking = true
				e.forward(ctx, pipeline.NewControlFrame(pipeline.KindTTSStarted, job.session, job.turnID))
				e.EmitMetric(job.session, job.turnID, "tts_ttfb_ms",
					float64(time.Since(job.queuedAt).Milliseconds()))
			}
			e.forward(ctx, &pipeline.Frame{
				Kind:      pipeline.KindAudioOutput,
				SessionID: job.session,
				TurnID:    job.turnID,
				Timestamp: time.Now(),
				Audio: &pipeline.AudioData{
					PCM:        pcm,
					SampleRate: format.SampleRate,
					Channels:   format.Channels,
					MediaType:  "audio/x-raw",
					Timestamp:  time.Now(),
				},
			})
		}
	}
}

func (e *TTSElement) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[TTS] forward %s: %v", frame.Kind, err)
	}
}
