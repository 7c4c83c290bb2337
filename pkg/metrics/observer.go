package metrics

import (
	"context"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

const defaultSnapshotInterval = 500 * time.Millisecond

// ObserverConfig tunes the bus observer.
type ObserverConfig struct {
	Store StoreConfig

	// SnapshotInterval debounces snapshot publication: the first observation
	// after a quiet period schedules one publish this far in the future, and
	// further observations in between coalesce into it.
	SnapshotInterval time.Duration
}

func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Store:            DefaultStoreConfig(),
		SnapshotInterval: defaultSnapshotInterval,
	}
}

// Observer subscribes to metric events and publishes debounced snapshots,
// typically onto the session's data channel.
type Observer struct {
	config  ObserverConfig
	store   *Store
	bus     pipeline.Bus
	publish func(Snapshot)

	events chan pipeline.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewObserver wires an observer to a bus. publish runs on the observer
// goroutine; keep it quick or hand off.
func NewObserver(bus pipeline.Bus, config ObserverConfig, publish func(Snapshot)) *Observer {
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaultSnapshotInterval
	}
	return &Observer{
		config:  config,
		store:   NewStore(config.Store),
		bus:     bus,
		publish: publish,
		events:  make(chan pipeline.Event, 256),
	}
}

// Store exposes the underlying aggregate for direct snapshot reads.
func (o *Observer) Store() *Store {
	return o.store
}

func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	o.bus.Subscribe(pipeline.EventMetric, o.events)
	go o.run(ctx)
}

func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
		o.cancel = nil
	}
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)
	defer o.bus.Unsubscribe(pipeline.EventMetric, o.events)

	timer := time.NewTimer(o.config.SnapshotInterval)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-o.events:
			m, ok := evt.Payload.(*pipeline.MetricData)
			if !ok {
				continue
			}
			o.store.Observe(evt.SessionID, evt.TurnID, m)
			if !pending {
				pending = true
				timer.Reset(o.config.SnapshotInterval)
			}
		case <-timer.C:
			if pending {
				pending = false
				if o.publish != nil {
					o.publish(o.store.Snapshot())
				}
			}
		}
	}
}
