package robot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serviceName = "hardware.v1.HardwareService"

	methodExecuteMovement   = "/" + serviceName + "/ExecuteMovement"
	methodSetEmotion        = "/" + serviceName + "/SetEmotion"
	methodSetEyeState       = "/" + serviceName + "/SetEyeState"
	methodCaptureCameraView = "/" + serviceName + "/CaptureCameraView"
	methodGetRobotStatus    = "/" + serviceName + "/GetRobotStatus"
)

// Wire messages for the hardware contract in proto/hardware/v1/hardware.proto.
type (
	MovementRequest struct {
		Movements []string `json:"movements"`
	}

	MovementResult struct {
		Movement   string `json:"movement"`
		Success    bool   `json:"success"`
		DurationMs int64  `json:"duration_ms"`
		Error      string `json:"error,omitempty"`
	}

	MovementResponse struct {
		Results []MovementResult `json:"results"`
	}

	EmotionRequest struct {
		Emotion string `json:"emotion"`
	}

	EyeStateRequest struct {
		State string `json:"state"`
	}

	Ack struct {
		Ok    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	CaptureRequest struct {
		Width   int32 `json:"width"`
		Height  int32 `json:"height"`
		Quality int32 `json:"quality"`
	}

	CaptureResponse struct {
		Jpeg   []byte `json:"jpeg"`
		Width  int32  `json:"width"`
		Height int32  `json:"height"`
	}

	StatusRequest struct{}

	StatusResponse struct {
		Connected      bool    `json:"connected"`
		BatteryPercent float64 `json:"battery_percent"`
		Emotion        string  `json:"emotion"`
		EyeState       string  `json:"eye_state"`
		Moving         bool    `json:"moving"`
	}
)

// Config locates the hardware daemon and bounds its calls. Servo commands are
// quick acknowledgements; camera capture moves a JPEG and gets a longer leash.
type Config struct {
	Address        string
	CommandTimeout time.Duration
	CaptureTimeout time.Duration
}

func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		CommandTimeout: 300 * time.Millisecond,
		CaptureTimeout: time.Second,
	}
}

// Client is a thin unary client to the hardware daemon. One Client (and its
// underlying connection) is shared across sessions; mutating calls are
// serialized so overlapping sessions cannot interleave servo commands.
type Client struct {
	config Config
	conn   *grpc.ClientConn
	health healthpb.HealthClient

	// cmdMu serializes ExecuteMovement/SetEmotion/SetEyeState.
	cmdMu sync.Mutex
}

func NewClient(config Config) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("robot: address not set")
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 300 * time.Millisecond
	}
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = time.Second
	}
	conn, err := grpc.NewClient(
		config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("robot: connect %s: %w", config.Address, err)
	}
	return &Client{
		config: config,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// NewClientConn wraps an existing connection, used by tests.
func NewClientConn(config Config, conn *grpc.ClientConn) *Client {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 300 * time.Millisecond
	}
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = time.Second
	}
	return &Client{
		config: config,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy checks the daemon's serving state via the standard health service.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("robot: health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("robot: daemon not serving: %s", resp.GetStatus())
	}
	return nil
}

// ExecuteMovement runs a movement sequence and reports per-movement outcomes.
func (c *Client) ExecuteMovement(ctx context.Context, movements []string) (*MovementResponse, error) {
	if len(movements) == 0 {
		return nil, fmt.Errorf("robot: no movements specified")
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	resp := &MovementResponse{}
	err := c.conn.Invoke(ctx, methodExecuteMovement, &MovementRequest{Movements: movements}, resp)
	if err != nil {
		return nil, fmt.Errorf("robot: execute movement: %w", err)
	}
	return resp, nil
}

// SetEmotion switches the eye display to the named hardware emotion.
func (c *Client) SetEmotion(ctx context.Context, emotion string) error {
	return c.command(ctx, methodSetEmotion, &EmotionRequest{Emotion: emotion})
}

// SetEyeState switches the eye display to a conversational state such as
// listening or thinking.
func (c *Client) SetEyeState(ctx context.Context, state string) error {
	return c.command(ctx, methodSetEyeState, &EyeStateRequest{State: state})
}

func (c *Client) command(ctx context.Context, method string, req interface{}) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	ack := &Ack{}
	if err := c.conn.Invoke(ctx, method, req, ack); err != nil {
		return fmt.Errorf("robot: %s: %w", method, err)
	}
	if !ack.Ok {
		return fmt.Errorf("robot: %s rejected: %s", method, ack.Error)
	}
	return nil
}

// CaptureCameraView grabs one JPEG frame from the head camera.
func (c *Client) CaptureCameraView(ctx context.Context, width, height, quality int32) (*CaptureResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CaptureTimeout)
	defer cancel()

	resp := &CaptureResponse{}
	err := c.conn.Invoke(ctx, methodCaptureCameraView, &CaptureRequest{
		Width:   width,
		Height:  height,
		Quality: quality,
	}, resp)
	if err != nil {
		return nil, fmt.Errorf("robot: capture camera view: %w", err)
	}
	if len(resp.Jpeg) == 0 {
		return nil, fmt.Errorf("robot: camera returned empty frame")
	}
	return resp, nil
}

// Status reports battery, display, and movement state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	resp := &StatusResponse{}
	if err := c.conn.Invoke(ctx, methodGetRobotStatus, &StatusRequest{}, resp); err != nil {
		return nil, fmt.Errorf("robot: get status: %w", err)
	}
	return resp, nil
}
