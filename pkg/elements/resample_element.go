package elements

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/voiceloop-ai/voiceloop/pkg/audio"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// ResampleConfig sets the output format all audio is converted to.
type ResampleConfig struct {
	OutRate     int
	OutChannels int
}

func DefaultResampleConfig() ResampleConfig {
	return ResampleConfig{
		OutRate:     audio.DefaultSampleRate,
		OutChannels: audio.DefaultChannels,
	}
}

// ResampleElement converts audio frames of either direction to the configured
// rate: inbound transport audio to 16 kHz for VAD and STT, and synthesis
// output (16 or 24 kHz) to the peer's 48 kHz. A converter is built lazily per
// observed input format and rebuilt if it changes.
type ResampleElement struct {
	*pipeline.BaseElement

	config    ResampleConfig
	resampler *audio.Resample
	inRate    int
	inChans   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResampleElement(config ResampleConfig) *ResampleElement {
	if config.OutRate <= 0 {
		config.OutRate = audio.DefaultSampleRate
	}
	if config.OutChannels <= 0 {
		config.OutChannels = audio.DefaultChannels
	}
	return &ResampleElement{
		BaseElement: pipeline.NewBaseElement("resample", 64),
		config:      config,
	}
}

func (e *ResampleElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

func (e *ResampleElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	if e.resampler != nil {
		e.resampler.Free()
		e.resampler = nil
	}
	return nil
}

func (e *ResampleElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		if (frame.Kind == pipeline.KindAudioOutput || frame.Kind == pipeline.KindAudioInput) &&
			frame.Audio != nil && len(frame.Audio.PCM) > 0 {
			e.convert(frame)
		}
		if err := e.OutQ.Send(ctx, frame); err != nil {
			if ctx.Err() == nil {
				log.Printf("[Resample] forward %s: %v", frame.Kind, err)
			}
			return
		}
	}
}

func (e *ResampleElement) convert(frame *pipeline.Frame) {
	in := frame.Audio
	if in.SampleRate == e.config.OutRate && in.Channels == e.config.OutChannels {
		return
	}
	if err := e.ensureResampler(in.SampleRate, in.Channels); err != nil {
		log.Printf("[Resample] init %dHz/%dch: %v", in.SampleRate, in.Channels, err)
		return
	}
	out, err := e.resampler.Resample(in.PCM)
	if err != nil {
		log.Printf("[Resample] convert: %v", err)
		return
	}
	frame.Audio = &pipeline.AudioData{
		PCM:        out,
		SampleRate: e.config.OutRate,
		Channels:   e.config.OutChannels,
		MediaType:  in.MediaType,
		Timestamp:  time.Now(),
	}
}

func (e *ResampleElement) ensureResampler(inRate, inChans int) error {
	if e.resampler != nil && e.inRate == inRate && e.inChans == inChans {
		return nil
	}
	if e.resampler != nil {
		e.resampler.Free()
		e.resampler = nil
	}
	r, err := audio.NewResample(inRate, e.config.OutRate, layoutFor(inChans), layoutFor(e.config.OutChannels))
	if err != nil {
		return err
	}
	e.resampler = r
	e.inRate = inRate
	e.inChans = inChans
	return nil
}

func layoutFor(channels int) astiav.ChannelLayout {
	if channels == 2 {
		return astiav.ChannelLayoutStereo
	}
	return astiav.ChannelLayoutMono
}
