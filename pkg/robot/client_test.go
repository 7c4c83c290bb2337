package robot

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// fakeDaemon stands in for the hardware daemon, recording every command.
type fakeDaemon struct {
	mu         sync.Mutex
	movements  [][]string
	emotions   []string
	eyeStates  []string
	ack        Ack
	failMove   string
	jpeg       []byte
	status     StatusResponse
	cmdDelay   time.Duration
	moveTimeMs int64
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		ack:        Ack{Ok: true},
		jpeg:       []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02},
		moveTimeMs: 250,
		status: StatusResponse{
			Connected:      true,
			BatteryPercent: 87,
			Emotion:        "happy",
			EyeState:       "idle",
		},
	}
}

func (d *fakeDaemon) wait(ctx context.Context) error {
	d.mu.Lock()
	delay := d.cmdDelay
	d.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *fakeDaemon) executeMovement(ctx context.Context, req *MovementRequest) (*MovementResponse, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.movements = append(d.movements, append([]string(nil), req.Movements...))

	resp := &MovementResponse{}
	for _, m := range req.Movements {
		r := MovementResult{Movement: m, Success: true, DurationMs: d.moveTimeMs}
		if m == d.failMove {
			r.Success = false
			r.Error = "servo stalled"
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

func (d *fakeDaemon) setEmotion(ctx context.Context, req *EmotionRequest) (*Ack, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emotions = append(d.emotions, req.Emotion)
	ack := d.ack
	return &ack, nil
}

func (d *fakeDaemon) setEyeState(ctx context.Context, req *EyeStateRequest) (*Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eyeStates = append(d.eyeStates, req.State)
	ack := d.ack
	return &ack, nil
}

func (d *fakeDaemon) captureCameraView(_ context.Context, req *CaptureRequest) (*CaptureResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &CaptureResponse{Jpeg: d.jpeg, Width: req.Width, Height: req.Height}, nil
}

func (d *fakeDaemon) getRobotStatus(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	return &status, nil
}

func (d *fakeDaemon) Movements() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.movements...)
}

func (d *fakeDaemon) Emotions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.emotions...)
}

func (d *fakeDaemon) EyeStates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.eyeStates...)
}

var hardwareServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteMovement", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &MovementRequest{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeDaemon).executeMovement(ctx, req)
		}},
		{MethodName: "SetEmotion", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &EmotionRequest{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeDaemon).setEmotion(ctx, req)
		}},
		{MethodName: "SetEyeState", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &EyeStateRequest{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeDaemon).setEyeState(ctx, req)
		}},
		{MethodName: "CaptureCameraView", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &CaptureRequest{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeDaemon).captureCameraView(ctx, req)
		}},
		{MethodName: "GetRobotStatus", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &StatusRequest{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeDaemon).getRobotStatus(ctx, req)
		}},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hardware.proto",
}

// startDaemon runs an in-process hardware daemon and returns a client bound
// to it.
func startDaemon(t *testing.T, daemon *fakeDaemon, config Config) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&hardwareServiceDesc, daemon)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///hardware",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClientConn(config, conn)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestClientExecuteMovement(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	resp, err := client.ExecuteMovement(context.Background(), []string{"step_forward", "turn_left"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "step_forward", resp.Results[0].Movement)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, int64(250), resp.Results[0].DurationMs)
	assert.Equal(t, [][]string{{"step_forward", "turn_left"}}, daemon.Movements())
}

func TestClientExecuteMovementEmpty(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	_, err := client.ExecuteMovement(context.Background(), nil)
	assert.Error(t, err)
	assert.Empty(t, daemon.Movements())
}

func TestClientSetEmotionAndEyeState(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	require.NoError(t, client.SetEmotion(context.Background(), "happy"))
	require.NoError(t, client.SetEyeState(context.Background(), "listening"))
	assert.Equal(t, []string{"happy"}, daemon.Emotions())
	assert.Equal(t, []string{"listening"}, daemon.EyeStates())
}

func TestClientCommandRejected(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.ack = Ack{Ok: false, Error: "servo fault"}
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	err := client.SetEmotion(context.Background(), "happy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servo fault")
}

func TestClientCommandDeadline(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.cmdDelay = time.Second
	config := DefaultConfig("hardware")
	config.CommandTimeout = 50 * time.Millisecond
	client := startDaemon(t, daemon, config)

	start := time.Now()
	err := client.SetEmotion(context.Background(), "happy")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClientCaptureCameraView(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	frame, err := client.CaptureCameraView(context.Background(), 640, 480, 80)
	require.NoError(t, err)
	assert.Equal(t, daemon.jpeg, frame.Jpeg)
	assert.Equal(t, int32(640), frame.Width)
	assert.Equal(t, int32(480), frame.Height)
}

func TestClientCaptureEmptyFrame(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.jpeg = nil
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	_, err := client.CaptureCameraView(context.Background(), 640, 480, 80)
	assert.Error(t, err)
}

func TestClientStatus(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, float64(87), status.BatteryPercent)
	assert.Equal(t, "happy", status.Emotion)
}

func TestClientHealthy(t *testing.T) {
	daemon := newFakeDaemon()
	client := startDaemon(t, daemon, DefaultConfig("hardware"))

	assert.NoError(t, client.Healthy(context.Background()))
}
