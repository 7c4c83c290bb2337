// Package metrics collects pipeline latency observations from the event bus.
// It is a passive observer: nothing in here sends frames or blocks a stage.
package metrics

import (
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

const (
	defaultWindowSize = 100
	defaultTableSize  = 20
)

// Stats summarizes the sliding window of one metric kind.
type Stats struct {
	Last  float64 `json:"last"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// TurnMetrics holds the observations of a single turn. A stage that never
// reported stays absent from Values; zero means an observed zero, not a gap.
type TurnMetrics struct {
	SessionID string             `json:"session_id"`
	TurnID    uint64             `json:"turn_id"`
	Values    map[string]float64 `json:"values"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Snapshot is the JSON shape published to the data channel.
type Snapshot struct {
	Kinds map[string]Stats `json:"kinds"`
	Turns []TurnMetrics    `json:"turns"`
}

// StoreConfig bounds the store's memory.
type StoreConfig struct {
	// WindowSize is how many recent observations per kind feed the stats.
	WindowSize int

	// TableSize is how many recent turns the per-turn table keeps.
	TableSize int
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		WindowSize: defaultWindowSize,
		TableSize:  defaultTableSize,
	}
}

// Store aggregates metric observations: a sliding window per kind plus a
// per-turn table of recent turns.
type Store struct {
	config StoreConfig

	mu      sync.Mutex
	windows map[string][]float64
	turns   []*TurnMetrics
}

func NewStore(config StoreConfig) *Store {
	if config.WindowSize <= 0 {
		config.WindowSize = defaultWindowSize
	}
	if config.TableSize <= 0 {
		config.TableSize = defaultTableSize
	}
	return &Store{
		config:  config,
		windows: make(map[string][]float64),
	}
}

// Observe records one metric observation.
func (s *Store) Observe(sessionID string, turnID uint64, m *pipeline.MetricData) {
	if m == nil || m.Kind == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := append(s.windows[m.Kind], m.Value)
	if len(w) > s.config.WindowSize {
		w = w[len(w)-s.config.WindowSize:]
	}
	s.windows[m.Kind] = w

	turn := s.turnLocked(sessionID, turnID)
	turn.Values[m.Kind] = m.Value
	turn.UpdatedAt = time.Now()
}

func (s *Store) turnLocked(sessionID string, turnID uint64) *TurnMetrics {
	for _, t := range s.turns {
		if t.SessionID == sessionID && t.TurnID == turnID {
			return t
		}
	}
	t := &TurnMetrics{
		SessionID: sessionID,
		TurnID:    turnID,
		Values:    make(map[string]float64),
	}
	s.turns = append(s.turns, t)
	if len(s.turns) > s.config.TableSize {
		s.turns = s.turns[len(s.turns)-s.config.TableSize:]
	}
	return t
}

// Snapshot renders the current aggregate state. Turn maps are copied so the
// caller can marshal without racing further observations.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Kinds: make(map[string]Stats, len(s.windows)),
		Turns: make([]TurnMetrics, 0, len(s.turns)),
	}
	for kind, w := range s.windows {
		snap.Kinds[kind] = statsOf(w)
	}
	for _, t := range s.turns {
		values := make(map[string]float64, len(t.Values))
		for k, v := range t.Values {
			values[k] = v
		}
		snap.Turns = append(snap.Turns, TurnMetrics{
			SessionID: t.SessionID,
			TurnID:    t.TurnID,
			Values:    values,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return snap
}

func statsOf(w []float64) Stats {
	st := Stats{Count: len(w)}
	if len(w) == 0 {
		return st
	}
	st.Last = w[len(w)-1]
	st.Min = w[0]
	st.Max = w[0]
	sum := 0.0
	for _, v := range w {
		sum += v
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	st.Avg = sum / float64(len(w))
	return st
}
