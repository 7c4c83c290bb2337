package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *snapshotRecorder) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func startObserver(t *testing.T, interval time.Duration) (pipeline.Bus, *snapshotRecorder) {
	t.Helper()
	bus := pipeline.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	rec := &snapshotRecorder{}
	config := DefaultObserverConfig()
	config.SnapshotInterval = interval
	obs := NewObserver(bus, config, rec.record)
	obs.Start(ctx)
	t.Cleanup(obs.Stop)
	return bus, rec
}

func metricEvent(turnID uint64, kind string, value float64) pipeline.Event {
	return pipeline.Event{
		Type:      pipeline.EventMetric,
		SessionID: "s1",
		TurnID:    turnID,
		Timestamp: time.Now(),
		Payload:   &pipeline.MetricData{Stage: "test", Kind: kind, Value: value},
	}
}

func TestObserverDebouncesSnapshots(t *testing.T) {
	bus, rec := startObserver(t, 60*time.Millisecond)

	bus.Publish(metricEvent(1, "llm_ttfb_ms", 100))
	bus.Publish(metricEvent(1, "tts_ttfb_ms", 50))
	bus.Publish(metricEvent(1, "stt_ttfb_ms", 30))

	assert.Eventually(t, func() bool { return rec.Count() == 1 },
		time.Second, 5*time.Millisecond)

	// A quiet debounce interval later there is still only one snapshot, and
	// it carries all three observations.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, rec.Count())
	assert.Len(t, rec.Last().Kinds, 3)
}

func TestObserverPublishesAgainOnNewData(t *testing.T) {
	bus, rec := startObserver(t, 40*time.Millisecond)

	bus.Publish(metricEvent(1, "llm_ttfb_ms", 100))
	assert.Eventually(t, func() bool { return rec.Count() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(metricEvent(2, "llm_ttfb_ms", 140))
	assert.Eventually(t, func() bool { return rec.Count() == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(140), rec.Last().Kinds["llm_ttfb_ms"].Last)
}

func TestObserverIgnoresForeignPayloads(t *testing.T) {
	bus, rec := startObserver(t, 30*time.Millisecond)

	bus.Publish(pipeline.Event{Type: pipeline.EventMetric, Payload: "not a metric"})
	time.Sleep(90 * time.Millisecond)
	assert.Zero(t, rec.Count())
}
