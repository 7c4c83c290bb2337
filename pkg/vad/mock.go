package vad

import "sync"

// MockDetector is a scripted detector for tests. With no script queued it
// reports silence. Safe for concurrent use.
type MockDetector struct {
	mu        sync.Mutex
	script    []float32
	calls     int
	resets    int
	destroyed bool
}

var _ DetectorInterface = (*MockDetector)(nil)

func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// Script queues the probabilities Infer returns, one per call in order. The
// final value repeats once the script is exhausted.
func (m *MockDetector) Script(probs ...float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, probs...)
}

func (m *MockDetector) Infer(samples []float32) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) == 0 {
		return 0, nil
	}
	p := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return p, nil
}

func (m *MockDetector) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *MockDetector) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	return nil
}

// Calls reports how many times Infer ran.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Resets reports how many times Reset ran.
func (m *MockDetector) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Destroyed reports whether Destroy ran.
func (m *MockDetector) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
