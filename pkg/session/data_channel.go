package session

import (
	"context"
	"log"
	"sync"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/metrics"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// Notice is one newline-delimited JSON document on the metadata channel.
// Type selects which of the optional fields are populated: "transcription",
// "partial", "tts_state", "system", "error" or "metrics".
type Notice struct {
	Type    string            `json:"type"`
	TurnID  uint64            `json:"turn_id,omitempty"`
	Speaker string            `json:"speaker,omitempty"`
	Text    string            `json:"text,omitempty"`
	Active  *bool             `json:"active,omitempty"`
	Stage   string            `json:"stage,omitempty"`
	Kind    string            `json:"kind,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Metrics *metrics.Snapshot `json:"metrics,omitempty"`
}

// notifier mirrors bus events onto the peer's metadata channel. It is a
// passive observer; a closed or congested channel never stalls the pipeline.
type notifier struct {
	conn connection.Connection
	bus  pipeline.Bus

	// holdPartials suppresses interim captions while assistant audio is
	// playing, so the peer UI does not fight the assistant for attention.
	holdPartials bool

	mu        sync.Mutex
	ttsActive bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNotifier(conn connection.Connection, bus pipeline.Bus, holdPartials bool) *notifier {
	return &notifier{conn: conn, bus: bus, holdPartials: holdPartials}
}

func (n *notifier) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	transcripts := make(chan pipeline.Event, 32)
	partials := make(chan pipeline.Event, 32)
	ttsStart := make(chan pipeline.Event, 8)
	ttsEnd := make(chan pipeline.Event, 8)
	gateCh := make(chan pipeline.Event, 8)
	errCh := make(chan pipeline.Event, 8)

	n.bus.Subscribe(pipeline.EventTranscript, transcripts)
	n.bus.Subscribe(pipeline.EventPartialTranscript, partials)
	n.bus.Subscribe(pipeline.EventTTSStart, ttsStart)
	n.bus.Subscribe(pipeline.EventTTSEnd, ttsEnd)
	n.bus.Subscribe(pipeline.EventGateDecision, gateCh)
	n.bus.Subscribe(pipeline.EventError, errCh)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.bus.Unsubscribe(pipeline.EventTranscript, transcripts)
			n.bus.Unsubscribe(pipeline.EventPartialTranscript, partials)
			n.bus.Unsubscribe(pipeline.EventTTSStart, ttsStart)
			n.bus.Unsubscribe(pipeline.EventTTSEnd, ttsEnd)
			n.bus.Unsubscribe(pipeline.EventGateDecision, gateCh)
			n.bus.Unsubscribe(pipeline.EventError, errCh)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-transcripts:
				n.sendTranscript(evt, "transcription")
			case evt := <-partials:
				if n.partialsHeld() {
					continue
				}
				n.sendTranscript(evt, "partial")
			case evt := <-ttsStart:
				n.setTTSActive(true)
				n.sendTTSState(evt, true)
			case evt := <-ttsEnd:
				n.setTTSActive(false)
				n.sendTTSState(evt, false)
			case evt := <-gateCh:
				n.sendGateNote(evt)
			case evt := <-errCh:
				n.sendError(evt)
			}
		}
	}()
}

func (n *notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
		n.cancel = nil
	}
}

// PublishSnapshot feeds the debounced metrics observer output to the peer.
func (n *notifier) PublishSnapshot(snap metrics.Snapshot) {
	n.send(Notice{Type: "metrics", Metrics: &snap})
}

func (n *notifier) partialsHeld() bool {
	if !n.holdPartials {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ttsActive
}

func (n *notifier) setTTSActive(active bool) {
	n.mu.Lock()
	n.ttsActive = active
	n.mu.Unlock()
}

func (n *notifier) sendTranscript(evt pipeline.Event, kind string) {
	text, ok := evt.Payload.(*pipeline.TextData)
	if !ok || text == nil {
		return
	}
	n.send(Notice{
		Type:    kind,
		TurnID:  evt.TurnID,
		Speaker: text.SpeakerID,
		Text:    text.Text,
	})
}

func (n *notifier) sendTTSState(evt pipeline.Event, active bool) {
	n.send(Notice{Type: "tts_state", TurnID: evt.TurnID, Active: &active})
}

func (n *notifier) sendGateNote(evt pipeline.Event) {
	decision, ok := evt.Payload.(*gate.Decision)
	if !ok || decision == nil || decision.Reply {
		return
	}
	n.send(Notice{
		Type:   "system",
		TurnID: evt.TurnID,
		Text:   "Utterance not addressed to the assistant; no reply.",
		Kind:   decision.Reason,
	})
}

func (n *notifier) sendError(evt pipeline.Event) {
	data, ok := evt.Payload.(*pipeline.ErrorData)
	if !ok || data == nil {
		return
	}
	n.send(Notice{
		Type:   "error",
		TurnID: evt.TurnID,
		Stage:  data.Stage,
		Kind:   string(data.Kind),
		Detail: data.Detail,
	})
}

func (n *notifier) send(msg Notice) {
	if err := n.conn.SendJSON(msg); err != nil {
		log.Printf("[Session] metadata send %s: %v", msg.Type, err)
	}
}
