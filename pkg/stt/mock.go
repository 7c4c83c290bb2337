package stt

import (
	"context"
	"sync"
)

// MockRecognizer is a scripted recognizer for tests and offline runs. Pushed
// results are delivered in order; audio is counted and discarded.
type MockRecognizer struct {
	mu         sync.Mutex
	started    bool
	closed     bool
	audioBytes int

	results chan Result
}

var _ Recognizer = (*MockRecognizer)(nil)

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{
		results: make(chan Result, 32),
	}
}

func (m *MockRecognizer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *MockRecognizer) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioBytes += len(pcm)
	return nil
}

func (m *MockRecognizer) Results() <-chan Result {
	return m.results
}

func (m *MockRecognizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.results)
	}
	return nil
}

// Push delivers a scripted result to the consumer.
func (m *MockRecognizer) Push(res Result) {
	m.results <- res
}

// AudioBytes reports how much audio the recognizer swallowed.
func (m *MockRecognizer) AudioBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioBytes
}

// Started reports whether Start was called.
func (m *MockRecognizer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}
