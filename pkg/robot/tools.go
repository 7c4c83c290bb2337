package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/voiceloop-ai/voiceloop/pkg/llm"
	"github.com/voiceloop-ai/voiceloop/pkg/vision"
)

const (
	captureWidth   = 640
	captureHeight  = 480
	captureQuality = 80
)

type expressParams struct {
	Emotion   string `json:"emotion" jsonschema:"enum=neutral,enum=happy,enum=sad,enum=angry,enum=excited,enum=afraid,enum=sleepy,enum=side eye L,enum=side eye R,enum=greeting,enum=farewell,enum=celebration,enum=apologetic,description=The emotion to express"`
	Intensity string `json:"intensity,omitempty" jsonschema:"enum=low,enum=medium,enum=high,description=low is eyes only; medium adds a subtle gesture; high adds an expressive gesture"`
}

type movementParams struct {
	Movements []string `json:"movements" jsonschema:"description=Displacement movements to execute in sequence"`
}

// Tools is the hardware-facing tool surface offered to the model. It is only
// registered for robot sessions; browser sessions never see these schemas.
type Tools struct {
	client   *Client
	analyzer vision.Analyzer
	limiter  *ExpressionRateLimiter
}

func NewTools(client *Client, analyzer vision.Analyzer, limiter *ExpressionRateLimiter) *Tools {
	if limiter == nil {
		limiter = NewExpressionRateLimiter(DefaultLimiterConfig())
	}
	return &Tools{client: client, analyzer: analyzer, limiter: limiter}
}

// Register adds the robot tools to a session's registry.
func (t *Tools) Register(reg *llm.Registry) error {
	tools := []llm.Tool{
		{
			Name: "express",
			Description: "Convey an emotional response during conversation. " +
				"Intensity controls which hardware channels activate: " +
				"low = eyes only (default, no servo wear); " +
				"medium = eyes + subtle gesture (use for notable moments); " +
				"high = eyes + expressive gesture (use rarely, strong reactions). " +
				"Default to low. Do not express on every message. " +
				"High intensity at most once per conversation.",
			Params:  expressParams{},
			Handler: t.express,
		},
		{
			Name: "execute_movement",
			Description: "Execute DISPLACEMENT movements on the robot. " +
				"Use ONLY when the user explicitly asks the robot to move its position: " +
				"walking, turning, stepping forward or backward. " +
				"Available: step_forward, walk_forward, step_backward, walk_backward, " +
				"turn_left, turn_right, turn_left_slow, turn_right_slow. " +
				"Example: 'turn around' becomes [\"turn_left\", \"turn_left\"]. " +
				"Do NOT use for expressions, use express instead.",
			Params:  movementParams{},
			Handler: t.executeMovement,
		},
		{
			Name: "capture_camera_view",
			Description: "Look through the robot's camera and describe what is " +
				"currently visible. Use when the user asks what you can see.",
			Handler: t.captureCameraView,
		},
		{
			Name: "get_robot_status",
			Description: "Report the robot's hardware status: battery level, " +
				"current emotion, eye state, and whether it is moving.",
			Handler: t.robotStatus,
		},
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tools) express(ctx context.Context, args json.RawMessage) (string, error) {
	var params expressParams
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	emotion := params.Emotion
	intensity := params.Intensity
	if !ValidEmotion(emotion) {
		log.Printf("[Robot] invalid emotion %q, using neutral", emotion)
		emotion = "neutral"
	}
	if !ValidIntensity(intensity) {
		intensity = "low"
	}

	if ok, reason := t.limiter.CanExpress(intensity); !ok {
		log.Printf("[Robot] expression downgraded to low: %s", reason)
		intensity = "low"
	}

	expr := ResolveExpression(emotion, intensity)
	if err := t.client.SetEmotion(ctx, expr.Eyes); err != nil {
		return "", err
	}

	hadGesture := false
	if expr.Gesture != "" && intensity != "low" {
		if _, err := t.client.ExecuteMovement(ctx, GestureMovements(expr.Gesture)); err != nil {
			return "", err
		}
		hadGesture = true
	}
	t.limiter.Record(intensity, hadGesture)

	if hadGesture {
		return fmt.Sprintf("Expressed %s (%s intensity) with a %s gesture.", emotion, intensity, expr.Gesture), nil
	}
	return fmt.Sprintf("Expressed %s through the eyes.", emotion), nil
}

func (t *Tools) executeMovement(ctx context.Context, args json.RawMessage) (string, error) {
	var params movementParams
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if len(params.Movements) == 0 {
		return "No movements specified.", nil
	}

	resp, err := t.client.ExecuteMovement(ctx, params.Movements)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(resp.Results))
	failed := false
	for _, r := range resp.Results {
		if r.Success {
			parts = append(parts, fmt.Sprintf("%s (%.2fs)", r.Movement, float64(r.DurationMs)/1000))
		} else {
			failed = true
			parts = append(parts, fmt.Sprintf("%s FAILED: %s", r.Movement, r.Error))
		}
	}
	if failed {
		return "Movements completed with errors: " + strings.Join(parts, ", "), nil
	}
	return "Successfully executed: " + strings.Join(parts, ", "), nil
}

func (t *Tools) captureCameraView(ctx context.Context, _ json.RawMessage) (string, error) {
	if t.analyzer == nil {
		return "", fmt.Errorf("vision is not configured")
	}
	frame, err := t.client.CaptureCameraView(ctx, captureWidth, captureHeight, captureQuality)
	if err != nil {
		return "", err
	}
	log.Printf("[Robot] captured camera frame: %d bytes", len(frame.Jpeg))
	return t.analyzer.Describe(ctx, frame.Jpeg, "")
}

func (t *Tools) robotStatus(ctx context.Context, _ json.RawMessage) (string, error) {
	status, err := t.client.Status(ctx)
	if err != nil {
		return "", err
	}
	if !status.Connected {
		return "Robot hardware is not connected.", nil
	}
	moving := "stationary"
	if status.Moving {
		moving = "moving"
	}
	return fmt.Sprintf("Battery %.0f%%, emotion %s, eyes %s, %s.",
		status.BatteryPercent, status.Emotion, status.EyeState, moving), nil
}
