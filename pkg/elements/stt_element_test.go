package elements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/stt"
)

func TestSTTElementTranscriptFlow(t *testing.T) {
	mock := stt.NewMockRecognizer()
	e := NewSTTElement(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	assert.True(t, mock.Started())
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	events := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventPartialTranscript, events)
	e.Bus().Subscribe(pipeline.EventTranscript, events)

	// Audio is swallowed by the recognizer, not forwarded.
	frame := rawAudioFrame("s1", 160)
	require.NoError(t, e.InQ.Send(ctx, frame))
	require.Eventually(t, func() bool { return mock.AudioBytes() == 320 },
		time.Second, 5*time.Millisecond)

	// Speech boundaries pass through.
	require.NoError(t, e.InQ.Send(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStarted, "s1", 0)))
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindUserSpeechStarted, out.Kind)

	mock.Push(stt.Result{Text: "hello", SpeakerID: "S0"})
	out = recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTInterim, out.Kind)
	require.NotNil(t, out.Text)
	assert.Equal(t, "hello", out.Text.Text)
	assert.Equal(t, "S0", out.Text.SpeakerID)
	assert.Equal(t, "s1", out.SessionID)

	select {
	case evt := <-events:
		assert.Equal(t, pipeline.EventPartialTranscript, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no partial transcript event")
	}

	mock.Push(stt.Result{Text: "hello there", SpeakerID: "S0", Final: true})
	out = recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTFinal, out.Kind)
	assert.Equal(t, "hello there", out.Text.Text)

	select {
	case evt := <-events:
		assert.Equal(t, pipeline.EventTranscript, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no transcript event")
	}
}

func TestSTTElementUtteranceEnd(t *testing.T) {
	mock := stt.NewMockRecognizer()
	e := NewSTTElement(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.NoError(t, e.InQ.Send(ctx, rawAudioFrame("s1", 160)))
	require.Eventually(t, func() bool { return mock.AudioBytes() > 0 },
		time.Second, 5*time.Millisecond)

	mock.Push(stt.Result{UtteranceEnd: true})
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindUserSpeechStopped, out.Kind)
	assert.Equal(t, "s1", out.SessionID)
}

func TestSTTElementFirstResultMetric(t *testing.T) {
	mock := stt.NewMockRecognizer()
	e := NewSTTElement(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	metrics := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventMetric, metrics)

	require.NoError(t, e.InQ.Send(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStarted, "s1", 3)))
	recvFrame(t, e.OutQ)

	mock.Push(stt.Result{Text: "hi"})
	recvFrame(t, e.OutQ)

	select {
	case evt := <-metrics:
		data, ok := evt.Payload.(*pipeline.MetricData)
		require.True(t, ok)
		assert.Equal(t, "stt_ttfb_ms", data.Kind)
		assert.GreaterOrEqual(t, data.Value, float64(0))
	case <-time.After(time.Second):
		t.Fatal("no ttfb metric")
	}
}

type reconnectingMock struct {
	*stt.MockRecognizer
	reconnects chan struct{}
}

func (m *reconnectingMock) Reconnect() {
	select {
	case m.reconnects <- struct{}{}:
	default:
	}
}

func TestSTTElementInterimDeadlineReconnects(t *testing.T) {
	mock := &reconnectingMock{
		MockRecognizer: stt.NewMockRecognizer(),
		reconnects:     make(chan struct{}, 1),
	}
	e := NewSTTElement(mock)
	e.interimDeadline = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	errs := make(chan pipeline.Event, 10)
	e.Bus().Subscribe(pipeline.EventError, errs)

	require.NoError(t, e.InQ.Send(ctx, pipeline.NewControlFrame(pipeline.KindUserSpeechStarted, "s1", 7)))
	recvFrame(t, e.OutQ)

	select {
	case evt := <-errs:
		data, ok := evt.Payload.(*pipeline.ErrorData)
		require.True(t, ok)
		assert.Equal(t, "stt", data.Stage)
		assert.Equal(t, pipeline.ErrTransientNetwork, data.Kind)
	case <-time.After(time.Second):
		t.Fatal("no transient error after missed interim deadline")
	}

	select {
	case <-mock.reconnects:
	case <-time.After(time.Second):
		t.Fatal("recognizer was not reconnected")
	}

	// A result after reconnect flows through normally.
	mock.Push(stt.Result{Text: "hello"})
	out := recvFrame(t, e.OutQ)
	assert.Equal(t, pipeline.KindSTTInterim, out.Kind)
}

func TestSTTElementStopClosesRecognizer(t *testing.T) {
	mock := stt.NewMockRecognizer()
	e := NewSTTElement(mock)

	ctx := context.Background()
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop())

	// Close is idempotent on the mock; closing again after Stop returns no error.
	require.NoError(t, mock.Close())
}
