package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// PropertyDesc describes one runtime-tunable element property.
type PropertyDesc struct {
	Name     string
	Type     reflect.Type
	Writable bool
	Readable bool
	Default  interface{}
}

// Element is a pipeline stage: it consumes frames from In, produces frames
// on Out, and publishes lifecycle events on the bus.
type Element interface {
	Name() string
	Init(ctx context.Context) error
	In() *Queue
	Out() *Queue
	Start(ctx context.Context) error
	Stop() error

	SetBus(bus Bus)
	SetProperty(name string, value interface{}) error
	GetProperty(name string) (interface{}, error)
}

// BaseElement carries the plumbing every stage shares: the bounded in/out
// queues, the bus handle, and the property registry.
type BaseElement struct {
	name          string
	propertyDescs map[string]PropertyDesc
	properties    map[string]interface{}
	bus           Bus

	InQ  *Queue
	OutQ *Queue
}

// NewBaseElement creates the shared stage plumbing. Control-heavy stages use
// small buffers; audio stages size for ~200 ms.
func NewBaseElement(name string, bufferSize int) *BaseElement {
	return NewBaseElementWithPolicy(name, bufferSize, Block, Block)
}

// NewBaseElementWithPolicy lets a stage pick per-edge overflow policies.
func NewBaseElementWithPolicy(name string, bufferSize int, inPolicy, outPolicy OverflowPolicy) *BaseElement {
	return &BaseElement{
		name:          name,
		InQ:           NewQueue(name+".in", bufferSize, inPolicy),
		OutQ:          NewQueue(name+".out", bufferSize, outPolicy),
		propertyDescs: make(map[string]PropertyDesc),
		properties:    make(map[string]interface{}),
	}
}

func (b *BaseElement) Name() string { return b.name }

func (b *BaseElement) Init(ctx context.Context) error { return nil }

func (b *BaseElement) In() *Queue { return b.InQ }

func (b *BaseElement) Out() *Queue { return b.OutQ }

func (b *BaseElement) Start(ctx context.Context) error { return nil }

func (b *BaseElement) Stop() error { return nil }

func (b *BaseElement) SetBus(bus Bus) { b.bus = bus }

// Bus returns the session bus, or a detached bus if the element was never
// added to a pipeline (unit tests).
func (b *BaseElement) Bus() Bus {
	if b.bus == nil {
		b.bus = NewEventBus()
	}
	return b.bus
}

// PublishEvent emits a lifecycle event tagged with this element's name.
func (b *BaseElement) PublishEvent(t EventType, sessionID string, turnID uint64, payload interface{}) {
	b.Bus().Publish(Event{
		Type:      t,
		Stage:     b.name,
		SessionID: sessionID,
		TurnID:    turnID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// EmitMetric publishes a metric observation on the bus.
func (b *BaseElement) EmitMetric(sessionID string, turnID uint64, kind string, value float64) {
	b.PublishEvent(EventMetric, sessionID, turnID, &MetricData{Stage: b.name, Kind: kind, Value: value})
}

func (b *BaseElement) RegisterProperty(desc PropertyDesc) error {
	if _, exists := b.propertyDescs[desc.Name]; exists {
		return fmt.Errorf("property %s already registered", desc.Name)
	}
	b.propertyDescs[desc.Name] = desc
	b.properties[desc.Name] = desc.Default
	return nil
}

func (b *BaseElement) SetProperty(name string, value interface{}) error {
	desc, ok := b.propertyDescs[name]
	if !ok {
		return fmt.Errorf("unknown property %q", name)
	}
	if !desc.Writable {
		return fmt.Errorf("property %q is not writable", name)
	}
	if reflect.TypeOf(value) != desc.Type {
		return fmt.Errorf(
			"property %q expects type %v, but got %v",
			name, desc.Type, reflect.TypeOf(value),
		)
	}
	b.properties[name] = value
	return nil
}

func (b *BaseElement) GetProperty(name string) (interface{}, error) {
	desc, ok := b.propertyDescs[name]
	if !ok {
		return nil, fmt.Errorf("unknown property %q", name)
	}
	if !desc.Readable {
		return nil, fmt.Errorf("property %q is not readable", name)
	}
	return b.properties[name], nil
}
