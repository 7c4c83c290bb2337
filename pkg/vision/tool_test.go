package vision

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceloop-ai/voiceloop/pkg/llm"
)

type stubAnalyzer struct {
	lastFrame []byte
	reply     string
	err       error
}

func (a *stubAnalyzer) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	a.lastFrame = jpeg
	return a.reply, a.err
}

func TestNewCameraToolValidation(t *testing.T) {
	source := func(ctx context.Context) ([]byte, error) { return nil, nil }

	_, err := NewCameraTool(nil, &stubAnalyzer{})
	assert.Error(t, err)

	_, err = NewCameraTool(source, nil)
	assert.Error(t, err)

	_, err = NewCameraTool(source, &stubAnalyzer{})
	assert.NoError(t, err)
}

func TestCameraToolDescribesFrame(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xe0}
	analyzer := &stubAnalyzer{reply: "A person waving at the camera."}
	tool, err := NewCameraTool(func(ctx context.Context) ([]byte, error) {
		return frame, nil
	}, analyzer)
	require.NoError(t, err)

	reg := llm.NewRegistry()
	require.NoError(t, tool.Register(reg))

	result := reg.Dispatch(context.Background(), "capture_camera_view", nil)
	assert.Equal(t, "A person waving at the camera.", result)
	assert.Equal(t, frame, analyzer.lastFrame)
}

func TestCameraToolSurfacesCaptureFailure(t *testing.T) {
	tool, err := NewCameraTool(func(ctx context.Context) ([]byte, error) {
		return nil, fmt.Errorf("peer has no video track")
	}, &stubAnalyzer{})
	require.NoError(t, err)

	reg := llm.NewRegistry()
	require.NoError(t, tool.Register(reg))

	result := reg.Dispatch(context.Background(), "capture_camera_view", nil)
	assert.True(t, strings.HasPrefix(result, "Error:"), result)
	assert.Contains(t, result, "no video track")
}
