package audio

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// Resample converts S16 PCM between sample rates and channel layouts using
// the FFmpeg software resampler. One Resample instance serves one direction
// of one stream; it is not safe for concurrent use.
type Resample struct {
	ctx       *astiav.SoftwareResampleContext
	inFrame   *astiav.Frame
	outFrame  *astiav.Frame
	inLayout  astiav.ChannelLayout
	outLayout astiav.ChannelLayout
	inRate    int
	outRate   int
}

func NewResample(inRate, outRate int, inLayout, outLayout astiav.ChannelLayout) (*Resample, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate: %d", outRate)
	}

	r := &Resample{
		inRate:    inRate,
		outRate:   outRate,
		inLayout:  inLayout,
		outLayout: outLayout,
	}

	r.ctx = astiav.AllocSoftwareResampleContext()
	if r.ctx == nil {
		return nil, fmt.Errorf("failed to allocate resample context")
	}

	r.inFrame = astiav.AllocFrame()
	if r.inFrame == nil {
		r.Free()
		return nil, fmt.Errorf("failed to allocate input frame")
	}

	r.outFrame = astiav.AllocFrame()
	if r.outFrame == nil {
		r.Free()
		return nil, fmt.Errorf("failed to allocate output frame")
	}

	return r, nil
}

// Free releases the FFmpeg contexts. The resampler is unusable after.
func (r *Resample) Free() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

// Resample converts one chunk of interleaved S16 PCM.
func (r *Resample) Resample(inputData []byte) ([]byte, error) {
	const align = 0

	if len(inputData) == 0 {
		return nil, fmt.Errorf("empty input data")
	}

	const bytesPerSample = 2 // S16
	var inChannels int
	switch r.inLayout {
	case astiav.ChannelLayoutMono:
		inChannels = 1
	case astiav.ChannelLayoutStereo:
		inChannels = 2
	default:
		return nil, fmt.Errorf("unsupported channel layout")
	}
	bytesPerFrame := bytesPerSample * inChannels

	numSamples := len(inputData) / bytesPerFrame
	if numSamples == 0 {
		return nil, fmt.Errorf("input data too small")
	}

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(r.inLayout)
	r.inFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(numSamples)

	r.outFrame.SetChannelLayout(r.outLayout)
	r.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.outFrame.SetSampleRate(r.outRate)

	outNumSamples := (numSamples * r.outRate) / r.inRate
	if outNumSamples == 0 {
		outNumSamples = 1
	}
	r.outFrame.SetNbSamples(outNumSamples)

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("failed to allocate input buffer: %w", err)
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("failed to allocate output buffer: %w", err)
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("making frame writable failed: %w", err)
	}

	// FFmpeg may want an aligned buffer larger than the payload; pad with
	// zeros when the input falls short.
	actualBufferSize, err := r.inFrame.SamplesBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("failed to get buffer size: %w", err)
	}
	inputBuffer := inputData
	if len(inputData) < actualBufferSize {
		inputBuffer = make([]byte, actualBufferSize)
		copy(inputBuffer, inputData)
	}

	if err := r.inFrame.Data().SetBytes(inputBuffer[:actualBufferSize], align); err != nil {
		return nil, fmt.Errorf("setting frame's data failed: %w", err)
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}

	outputData, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, fmt.Errorf("getting output data failed: %w", err)
	}
	return outputData, nil
}
