package elements

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// scriptedClassifier returns canned decisions keyed by utterance text.
type scriptedClassifier struct {
	mu        sync.Mutex
	decisions map[string]gate.Decision
	err       error
	seen      []string
}

func (c *scriptedClassifier) ShouldReply(ctx context.Context, utterance string) (gate.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, utterance)
	if c.err != nil {
		return gate.Decision{Reply: true, Reason: "fail_open"}, c.err
	}
	if d, ok := c.decisions[utterance]; ok {
		return d, nil
	}
	return gate.Decision{Reply: true, Reason: "addressed"}, nil
}

func (c *scriptedClassifier) Seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func startGate(t *testing.T, classifier gate.Classifier) (*GateElement, context.Context) {
	t.Helper()
	e := NewGateElement(classifier)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { e.Stop() })
	return e, ctx
}

func TestGateElementForwardsAddressed(t *testing.T) {
	classifier := &scriptedClassifier{decisions: map[string]gate.Decision{
		"TARS, status?": {Reply: true, Reason: "addressed"},
	}}
	e, ctx := startGate(t, classifier)

	decisions := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventGateDecision, decisions)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "TARS, status?")))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTFinal, out.Kind)
	assert.Equal(t, "TARS, status?", out.Text.Text)

	select {
	case evt := <-decisions:
		d, ok := evt.Payload.(*gate.Decision)
		require.True(t, ok)
		assert.True(t, d.Reply)
		assert.Equal(t, "addressed", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("no gate decision event")
	}
}

func TestGateElementDropsInterHuman(t *testing.T) {
	classifier := &scriptedClassifier{decisions: map[string]gate.Decision{
		"S1: yes I agree": {Reply: false, Reason: "inter_human"},
	}}
	e, ctx := startGate(t, classifier)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "S1: yes I agree")))
	expectNoFrame(t, e.OutQ)
	assert.Equal(t, []string{"S1: yes I agree"}, classifier.Seen())
}

func TestGateElementPassesNonFinalFrames(t *testing.T) {
	classifier := &scriptedClassifier{}
	e, ctx := startGate(t, classifier)

	interim := &pipeline.Frame{
		Kind:      pipeline.KindSTTInterim,
		SessionID: "s1",
		Timestamp: time.Now(),
		Text:      &pipeline.TextData{Text: "par"},
	}
	require.NoError(t, e.InQ.Send(ctx, interim))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTInterim, out.Kind)

	require.NoError(t, e.InQ.Send(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStopped, "s1", 1)))
	out = recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindUserSpeechStopped, out.Kind)

	assert.Empty(t, classifier.Seen())
}

func TestGateElementFailOpenForwards(t *testing.T) {
	classifier := &scriptedClassifier{err: errors.New("endpoint down")}
	e, ctx := startGate(t, classifier)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "hello?")))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTFinal, out.Kind)
}

func TestGateElementNilClassifierAlwaysReplies(t *testing.T) {
	e, ctx := startGate(t, nil)

	require.NoError(t, e.InQ.Send(ctx, sttFinalFrame("s1", "", "anything")))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTFinal, out.Kind)
}
