package audio

import (
	"sync"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	BytesPerSample    = 2
	FrameDurationMs   = 20
)

// PacerConfig sets the output format the pacer slices frames for.
type PacerConfig struct {
	SampleRate int
	Channels   int

	// PrimeFrames is how many 20 ms frames must accumulate after a Clear
	// before playback resumes. Absorbs synthesis jitter at turn start.
	PrimeFrames int
}

func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		SampleRate:  DefaultSampleRate,
		Channels:    DefaultChannels,
		PrimeFrames: 10,
	}
}

// Pacer buffers synthesized PCM and serves it back as fixed 20 ms frames.
// It only buffers and slices; resampling happens upstream. ReadFrame returns
// silence when the buffer runs dry, keeping the outbound RTP clock steady.
type Pacer struct {
	mu            sync.Mutex
	buffer        []byte
	priming       bool
	paused        bool
	bytesPerFrame int
	primeBytes    int
	sampleRate    int
	channels      int
}

func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.PrimeFrames <= 0 {
		cfg.PrimeFrames = 10
	}
	samplesPerFrame := cfg.SampleRate * FrameDurationMs / 1000
	bytesPerFrame := samplesPerFrame * BytesPerSample * cfg.Channels
	return &Pacer{
		buffer:        make([]byte, 0, bytesPerFrame*100),
		bytesPerFrame: bytesPerFrame,
		primeBytes:    bytesPerFrame * cfg.PrimeFrames,
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
	}
}

// Write appends PCM to the playout buffer.
func (p *Pacer) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, pcm...)
}

// ReadFrame returns the next 20 ms frame, padding with silence when the
// buffer holds less than a full frame.
func (p *Pacer) ReadFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := make([]byte, p.bytesPerFrame)
	if p.paused {
		return frame
	}
	if p.priming {
		if len(p.buffer) < p.primeBytes {
			return frame
		}
		p.priming = false
	}

	n := copy(frame, p.buffer)
	if n >= p.bytesPerFrame {
		p.buffer = p.buffer[p.bytesPerFrame:]
	} else {
		p.buffer = p.buffer[:0]
	}
	return frame
}

// Clear drops buffered audio and re-enters priming. fadeOutMs > 0 keeps that
// much of the head, linearly faded, so a barge-in cut does not click.
func (p *Pacer) Clear(fadeOutMs int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fadeOutMs > 0 && len(p.buffer) > 0 {
		fadeBytes := p.sampleRate * fadeOutMs / 1000 * BytesPerSample * p.channels
		if fadeBytes > len(p.buffer) {
			fadeBytes = len(p.buffer)
		}
		samples := fadeBytes / BytesPerSample
		for i := 0; i < samples; i++ {
			idx := i * BytesPerSample
			sample := int16(p.buffer[idx]) | int16(p.buffer[idx+1])<<8
			sample = int16(float32(sample) * float32(samples-i) / float32(samples))
			p.buffer[idx] = byte(sample)
			p.buffer[idx+1] = byte(sample >> 8)
		}
		p.buffer = p.buffer[:fadeBytes]
	} else {
		p.buffer = p.buffer[:0]
	}
	p.priming = true
	p.paused = false
}

// Pause makes ReadFrame return silence until Resume.
func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Available returns the buffered byte count.
func (p *Pacer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Pacer) BytesPerFrame() int { return p.bytesPerFrame }

func (p *Pacer) SampleRate() int { return p.sampleRate }
