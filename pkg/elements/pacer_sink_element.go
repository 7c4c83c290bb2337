package elements

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/audio"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// interruptFadeMs keeps a short faded tail on barge-in so the cut does not
// click in the listener's ear.
const interruptFadeMs = 50

// PacerSinkConfig configures the playout pacer stage.
type PacerSinkConfig struct {
	SampleRate int
	Channels   int

	// PrimeFrames delays playback start until this many 20 ms frames have
	// accumulated after a clear.
	PrimeFrames int
}

func DefaultPacerSinkConfig() PacerSinkConfig {
	return PacerSinkConfig{
		SampleRate:  audio.DefaultSampleRate,
		Channels:    audio.DefaultChannels,
		PrimeFrames: 10,
	}
}

// PacerSinkElement is the last stage before the transport: it buffers
// synthesized audio and emits fixed 20 ms frames on a real-time clock.
// Because playout outlives the text side of a turn, this element owns the
// EventTTSStart/EventTTSEnd bus signals the barge-in logic keys on.
type PacerSinkElement struct {
	*pipeline.BaseElement

	config PacerSinkConfig
	pacer  *audio.Pacer

	mu          sync.Mutex
	session     string
	turnID      uint64
	playing     bool
	stopPending bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPacerSinkElement(config PacerSinkConfig) *PacerSinkElement {
	if config.SampleRate <= 0 {
		config.SampleRate = audio.DefaultSampleRate
	}
	if config.Channels <= 0 {
		config.Channels = audio.DefaultChannels
	}
	return &PacerSinkElement{
		BaseElement: pipeline.NewBaseElement("pacer_sink", 100),
		config:      config,
		pacer: audio.NewPacer(audio.PacerConfig{
			SampleRate:  config.SampleRate,
			Channels:    config.Channels,
			PrimeFrames: config.PrimeFrames,
		}),
	}
}

func (e *PacerSinkElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.playout(ctx)
	}()
	return nil
}

func (e *PacerSinkElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return nil
}

func (e *PacerSinkElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindAudioOutput:
			if frame.Audio == nil || len(frame.Audio.PCM) == 0 {
				continue
			}
			e.pacer.Write(frame.Audio.PCM)
		case pipeline.KindTTSStarted:
			e.handleTTSStarted(frame)
		case pipeline.KindTTSStopped:
			e.mu.Lock()
			e.stopPending = true
			e.mu.Unlock()
		case pipeline.KindInterrupt:
			e.handleInterrupt(frame)
		default:
			// Sink stage: non-audio frames end here.
		}
	}
}

func (e *PacerSinkElement) handleTTSStarted(frame *pipeline.Frame) {
	e.mu.Lock()
	e.session = frame.SessionID
	e.turnID = frame.TurnID
	e.stopPending = false
	wasPlaying := e.playing
	e.playing = true
	e.mu.Unlock()

	if !wasPlaying {
		e.PublishEvent(pipeline.EventTTSStart, frame.SessionID, frame.TurnID, nil)
	}
}

func (e *PacerSinkElement) handleInterrupt(frame *pipeline.Frame) {
	e.pacer.Clear(interruptFadeMs)

	e.mu.Lock()
	wasPlaying := e.playing
	e.playing = false
	e.stopPending = false
	session := e.session
	turnID := e.turnID
	e.mu.Unlock()

	if wasPlaying {
		log.Printf("[Pacer] interrupted turn %d, flushed playout buffer", turnID)
		e.PublishEvent(pipeline.EventTTSEnd, session, turnID, nil)
	}
}

// playout drives the 20 ms output clock. The tick runs faster than the frame
// interval so a missed tick never skews the cadence.
func (e *PacerSinkElement) playout(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	lastSend := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastSend) < audio.FrameDurationMs*time.Millisecond {
				continue
			}
			lastSend = lastSend.Add(audio.FrameDurationMs * time.Millisecond)
			e.emitFrame(ctx)
			e.maybeFinishPlayout()
		}
	}
}

func (e *PacerSinkElement) emitFrame(ctx context.Context) {
	pcm := e.pacer.ReadFrame()

	e.mu.Lock()
	session := e.session
	turnID := e.turnID
	e.mu.Unlock()

	frame := &pipeline.Frame{
		Kind:      pipeline.KindAudioOutput,
		SessionID: session,
		TurnID:    turnID,
		Timestamp: time.Now(),
		Audio: &pipeline.AudioData{
			PCM:        pcm,
			SampleRate: e.config.SampleRate,
			Channels:   e.config.Channels,
			MediaType:  "audio/x-raw",
			Timestamp:  time.Now(),
		},
	}
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[Pacer] emit frame: %v", err)
	}
}

// maybeFinishPlayout closes the speaking state once the stop marker arrived
// and the buffer has fully drained.
func (e *PacerSinkElement) maybeFinishPlayout() {
	if e.pacer.Available() > 0 {
		return
	}
	e.mu.Lock()
	done := e.playing && e.stopPending
	if done {
		e.playing = false
		e.stopPending = false
	}
	session := e.session
	turnID := e.turnID
	e.mu.Unlock()

	if done {
		e.PublishEvent(pipeline.EventTTSEnd, session, turnID, nil)
	}
}
