package tts

import (
	"context"
	"sync"
	"time"
)

// Mock emits deterministic PCM for tests: BytesPerChar bytes of audio per
// input character, sliced into ChunkSize chunks with an optional delay
// between them.
type Mock struct {
	Rate         int
	BytesPerChar int
	ChunkSize    int
	ChunkDelay   time.Duration
	Err          error

	mu    sync.Mutex
	texts []string
}

func NewMock() *Mock {
	return &Mock{
		Rate:         16000,
		BytesPerChar: 64,
		ChunkSize:    320,
	}
}

var _ Provider = (*Mock)(nil)

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Format() Format {
	return Format{SampleRate: m.Rate, Channels: 1}
}

// Texts returns every unit synthesized so far.
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *Mock) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	err := m.Err
	m.mu.Unlock()

	audioCh := make(chan []byte, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)
		if err != nil {
			errCh <- err
			return
		}
		remaining := len(text) * m.BytesPerChar
		for remaining > 0 {
			n := m.ChunkSize
			if n > remaining {
				n = remaining
			}
			remaining -= n
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case audioCh <- make([]byte, n):
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, errCh
}
