package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Pipeline is the per-session stage graph. Elements are wired with Link /
// Fanout before Start; the graph is immutable for the life of the session.
type Pipeline struct {
	sync.Mutex
	name     string
	bus      Bus
	elements []Element
	links    []link

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type link struct {
	from Element
	to   []Element
}

func NewPipeline(name string) *Pipeline {
	return &Pipeline{
		name: name,
		bus:  NewEventBus(),
	}
}

func (p *Pipeline) AddElement(element Element) {
	p.Lock()
	defer p.Unlock()
	element.SetBus(p.bus)
	p.elements = append(p.elements, element)
}

func (p *Pipeline) AddElements(elements []Element) {
	for _, e := range elements {
		p.AddElement(e)
	}
}

// Link wires a.Out into b.In. The pump goroutine starts with the pipeline.
func (p *Pipeline) Link(a, b Element) {
	p.Lock()
	defer p.Unlock()
	p.links = append(p.links, link{from: a, to: []Element{b}})
}

// Fanout wires a.Out into every listed element's In, preserving per-edge
// order. No global order is promised between siblings.
func (p *Pipeline) Fanout(a Element, bs ...Element) {
	p.Lock()
	defer p.Unlock()
	p.links = append(p.links, link{from: a, to: bs})
}

func (p *Pipeline) Bus() Bus { return p.bus }

func (p *Pipeline) Elements() []Element {
	p.Lock()
	defer p.Unlock()
	out := make([]Element, len(p.elements))
	copy(out, p.elements)
	return out
}

// Push enqueues a frame into the first element.
func (p *Pipeline) Push(ctx context.Context, msg *Frame) error {
	p.Lock()
	if len(p.elements) == 0 {
		p.Unlock()
		return fmt.Errorf("pipeline %s has no elements", p.name)
	}
	head := p.elements[0]
	p.Unlock()
	return head.In().Send(ctx, msg)
}

// Start initializes and starts every element, then spins up one pump
// goroutine per link.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, e := range p.elements {
		if err := e.Init(ctx); err != nil {
			cancel()
			return fmt.Errorf("init %s: %w", e.Name(), err)
		}
	}
	for _, e := range p.elements {
		if err := e.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start %s: %w", e.Name(), err)
		}
	}

	for _, l := range p.links {
		l := l
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pump(ctx, l)
		}()
	}

	p.bus.Start(ctx)
	return nil
}

func (p *Pipeline) pump(ctx context.Context, l link) {
	defer func() {
		for _, to := range l.to {
			to.In().Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.from.Out().Chan():
			if !ok {
				return
			}
			for _, to := range l.to {
				if err := to.In().Send(ctx, msg); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("[Pipeline %s] link %s -> %s: %v", p.name, l.from.Name(), to.Name(), err)
				}
			}
		}
	}
}

// Stop halts the graph. It cancels the graph context, stops elements in the
// reverse of the order they were added, then waits for the link pumps, which
// close their downstream queues as they exit.
func (p *Pipeline) Stop() error {
	p.Lock()
	defer p.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	var firstErr error
	for i := len(p.elements) - 1; i >= 0; i-- {
		if err := p.elements[i].Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.wg.Wait()
	p.bus.Stop()
	return firstErr
}
