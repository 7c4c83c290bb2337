package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/llm"
)

// captureTimeout bounds one frame grab plus its analysis. Tool calls past it
// surface an error to the model instead of stalling the turn.
const captureTimeout = 10 * time.Second

// FrameSource produces one JPEG still from whatever camera the session has.
type FrameSource func(ctx context.Context) ([]byte, error)

// CameraTool exposes capture_camera_view for sessions whose camera is the
// peer's own video track rather than robot hardware.
type CameraTool struct {
	source   FrameSource
	analyzer Analyzer
}

func NewCameraTool(source FrameSource, analyzer Analyzer) (*CameraTool, error) {
	if source == nil {
		return nil, fmt.Errorf("camera tool: frame source not set")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("camera tool: analyzer not set")
	}
	return &CameraTool{source: source, analyzer: analyzer}, nil
}

// Register adds the tool to a session's registry.
func (t *CameraTool) Register(reg *llm.Registry) error {
	return reg.Register(llm.Tool{
		Name: "capture_camera_view",
		Description: "Look through the camera and describe what is " +
			"currently visible. Use when the user asks what you can see.",
		Handler: t.capture,
	})
}

func (t *CameraTool) capture(ctx context.Context, _ json.RawMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	frame, err := t.source(ctx)
	if err != nil {
		return "", fmt.Errorf("capture frame: %w", err)
	}
	log.Printf("[Vision] captured camera frame: %d bytes", len(frame))
	return t.analyzer.Describe(ctx, frame, "")
}
