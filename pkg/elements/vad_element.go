package elements

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/audio"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/vad"
)

// VADMode selects how the element treats non-speech audio.
type VADMode int

const (
	// VADModePassthrough forwards all audio and marks speech boundaries with
	// control frames and bus events.
	VADModePassthrough VADMode = iota
	// VADModeFilter forwards only speech, prefixed with the pre-roll buffer
	// so word onsets are not clipped.
	VADModeFilter
)

// vadChunkSamples is the detector chunk: 32 ms at 16 kHz.
const vadChunkSamples = 512

// VADConfig configures the detection element.
type VADConfig struct {
	// Detector runs the per-chunk inference. Defaults to the energy gate.
	Detector vad.DetectorInterface

	// StartThreshold opens a speech segment; StopThreshold closes it. The
	// gap between them is the hysteresis band.
	StartThreshold float32
	StopThreshold  float32

	// MinSilence is how long the probability must stay below StopThreshold
	// before the segment ends.
	MinSilence time.Duration

	// PreRoll is how much trailing audio is replayed when a segment opens
	// in filter mode.
	PreRoll time.Duration

	Mode VADMode
}

// DefaultVADConfig returns the tuning used by the voice session.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		StartThreshold: 0.6,
		StopThreshold:  0.4,
		MinSilence:     600 * time.Millisecond,
		PreRoll:        300 * time.Millisecond,
		Mode:           VADModePassthrough,
	}
}

// VADElement segments inbound audio into user utterances. It expects 16 kHz
// mono raw PCM; put a resample element in front of it otherwise.
type VADElement struct {
	*pipeline.BaseElement

	config   VADConfig
	detector vad.DetectorInterface

	mu             sync.Mutex
	speaking       bool
	pending        []float32
	silenceSamples int
	preRoll        *audio.RingBuffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVADElement(config VADConfig) (*VADElement, error) {
	if config.StartThreshold <= config.StopThreshold {
		return nil, fmt.Errorf("vad element: StartThreshold must exceed StopThreshold")
	}

	detector := config.Detector
	if detector == nil {
		d, err := vad.NewEnergyDetector(vad.DefaultEnergyDetectorConfig())
		if err != nil {
			return nil, err
		}
		detector = d
	}

	preRollMs := int(config.PreRoll.Milliseconds())
	if preRollMs <= 0 {
		preRollMs = 1
	}

	e := &VADElement{
		BaseElement: pipeline.NewBaseElement("vad", 16),
		config:      config,
		detector:    detector,
		preRoll:     audio.NewRingBuffer(16000, preRollMs),
	}

	props := []pipeline.PropertyDesc{
		{Name: "start-threshold", Type: reflect.TypeOf(float32(0)), Writable: true, Readable: true, Default: config.StartThreshold},
		{Name: "stop-threshold", Type: reflect.TypeOf(float32(0)), Writable: true, Readable: true, Default: config.StopThreshold},
		{Name: "mode", Type: reflect.TypeOf(int(0)), Writable: true, Readable: true, Default: int(config.Mode)},
	}
	for _, p := range props {
		if err := e.RegisterProperty(p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *VADElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

func (e *VADElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	return e.detector.Destroy()
}

// Speaking reports whether a speech segment is currently open.
func (e *VADElement) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

func (e *VADElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		if frame.Kind != pipeline.KindAudioInput || frame.Audio == nil || len(frame.Audio.PCM) == 0 {
			continue
		}
		if frame.Audio.MediaType != "audio/x-raw" {
			continue
		}
		if frame.Audio.SampleRate != 16000 {
			log.Printf("[VAD] expected 16kHz audio, got %dHz; add a resample stage upstream", frame.Audio.SampleRate)
			continue
		}
		e.handleAudio(ctx, frame)
	}
}

func (e *VADElement) handleAudio(ctx context.Context, frame *pipeline.Frame) {
	samples := audio.BytesToInt16(frame.Audio.PCM)
	normalized := make([]float32, len(samples))
	for i, s := range samples {
		normalized[i] = float32(s) / 32768.0
	}

	e.mu.Lock()
	e.pending = append(e.pending, normalized...)
	mode := VADMode(e.propertyInt("mode", int(e.config.Mode)))
	start := e.propertyFloat32("start-threshold", e.config.StartThreshold)
	stop := e.propertyFloat32("stop-threshold", e.config.StopThreshold)

	var started, stopped bool
	var confidence float32
	for len(e.pending) >= vadChunkSamples {
		chunk := e.pending[:vadChunkSamples]
		e.pending = e.pending[vadChunkSamples:]

		prob, err := e.detector.Infer(chunk)
		if err != nil {
			log.Printf("[VAD] inference error: %v", err)
			continue
		}
		confidence = prob

		switch {
		case !e.speaking && prob >= start:
			e.speaking = true
			e.silenceSamples = 0
			started = true
		case e.speaking && prob < stop:
			e.silenceSamples += vadChunkSamples
			minSilence := int(e.config.MinSilence.Seconds() * 16000)
			if e.silenceSamples >= minSilence {
				e.speaking = false
				e.silenceSamples = 0
				stopped = true
			}
		case e.speaking:
			e.silenceSamples = 0
		}
	}
	speaking := e.speaking
	e.mu.Unlock()

	if started {
		e.emitBoundary(ctx, frame, pipeline.KindUserSpeechStarted, pipeline.EventVADSpeechStart, confidence)
		if mode == VADModeFilter {
			e.flushPreRoll(ctx, frame)
		}
	}

	forward := mode == VADModePassthrough || speaking || started
	if mode == VADModeFilter && !speaking && !started {
		e.preRoll.Write(frame.Audio.PCM)
	}
	if forward {
		if err := e.OutQ.Send(ctx, frame); err != nil {
			return
		}
	}

	if stopped {
		e.emitBoundary(ctx, frame, pipeline.KindUserSpeechStopped, pipeline.EventVADSpeechEnd, confidence)
	}
}

func (e *VADElement) emitBoundary(ctx context.Context, frame *pipeline.Frame, kind pipeline.FrameKind, event pipeline.EventType, confidence float32) {
	log.Printf("[VAD] %s (confidence %.2f)", kind, confidence)
	e.PublishEvent(event, frame.SessionID, frame.TurnID, nil)
	boundary := pipeline.NewControlFrame(kind, frame.SessionID, frame.TurnID)
	if err := e.OutQ.Send(ctx, boundary); err != nil {
		log.Printf("[VAD] send boundary: %v", err)
	}
}

func (e *VADElement) flushPreRoll(ctx context.Context, frame *pipeline.Frame) {
	buffered := e.preRoll.ReadAll()
	if len(buffered) == 0 {
		return
	}
	preRoll := &pipeline.Frame{
		Kind:      pipeline.KindAudioInput,
		SessionID: frame.SessionID,
		TurnID:    frame.TurnID,
		Timestamp: time.Now(),
		Audio: &pipeline.AudioData{
			PCM:        buffered,
			SampleRate: frame.Audio.SampleRate,
			Channels:   frame.Audio.Channels,
			MediaType:  frame.Audio.MediaType,
			Timestamp:  time.Now(),
		},
	}
	if err := e.OutQ.Send(ctx, preRoll); err != nil {
		log.Printf("[VAD] send pre-roll: %v", err)
	}
}

func (e *VADElement) propertyFloat32(name string, fallback float32) float32 {
	v, err := e.GetProperty(name)
	if err != nil {
		return fallback
	}
	if f, ok := v.(float32); ok {
		return f
	}
	return fallback
}

func (e *VADElement) propertyInt(name string, fallback int) int {
	v, err := e.GetProperty(name)
	if err != nil {
		return fallback
	}
	if i, ok := v.(int); ok {
		return i
	}
	return fallback
}
