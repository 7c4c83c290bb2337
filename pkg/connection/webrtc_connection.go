package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voiceloop-ai/voiceloop/pkg/audio"
	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
	"github.com/voiceloop-ai/voiceloop/pkg/video"
)

const (
	DefaultWebRTCSampleRate = 48000
	DefaultWebRTCChannels   = 1
	DefaultWebRTCBitRate    = 50000

	// MetadataChannelLabel names the ordered reliable channel that carries
	// newline-delimited JSON metadata alongside the audio track.
	MetadataChannelLabel = "events"
)

// WebRTCConfig holds configuration for a WebRTC connection.
type WebRTCConfig struct {
	SampleRate int
	Channels   int
	BitRate    int

	// FailedGrace is how long a disconnected peer may linger before the
	// connection tears itself down. ICE restarts within the grace keep the
	// session alive.
	FailedGrace time.Duration
}

// DefaultWebRTCConfig returns the default WebRTC configuration.
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		SampleRate:  DefaultWebRTCSampleRate,
		Channels:    DefaultWebRTCChannels,
		BitRate:     DefaultWebRTCBitRate,
		FailedGrace: 5 * time.Second,
	}
}

type webrtcConnection struct {
	peerID string
	pc     *webrtc.PeerConnection

	dataChannel      *webrtc.DataChannel
	remoteAudioTrack *webrtc.TrackRemote
	remoteVideoTrack *webrtc.TrackRemote
	localAudioTrack  *webrtc.TrackLocalStaticSample

	captureRequests chan *captureRequest

	handler ConnectionEventHandler
	onClose func(peerID string)

	audioEncoder *opus.Encoder
	audioDecoder *opus.Decoder

	sampleRate int
	channels   int
	bitRate    int

	failedGrace time.Duration
	graceTimer  *time.Timer

	state             ConnectionState
	pendingCandidates []webrtc.ICECandidateInit

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	mu   sync.RWMutex
}

var _ RTCConnection = (*webrtcConnection)(nil)

// NewWebRTCConnection creates a WebRTC connection with the default config.
func NewWebRTCConnection(peerID string, pc *webrtc.PeerConnection) (RTCConnection, error) {
	return NewWebRTCConnectionWithConfig(peerID, pc, DefaultWebRTCConfig())
}

// NewWebRTCConnectionWithConfig creates a WebRTC connection with a custom
// config. The connection owns the peer's audio codec state and the metadata
// channel; callers drive SDP negotiation through the underlying peer.
func NewWebRTCConnectionWithConfig(peerID string, pc *webrtc.PeerConnection, cfg WebRTCConfig) (RTCConnection, error) {
	audioEncoder, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	audioEncoder.SetBitrate(cfg.BitRate)
	audioEncoder.SetComplexity(10)
	audioEncoder.SetDTX(true)

	audioDecoder, err := opus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	if cfg.FailedGrace <= 0 {
		cfg.FailedGrace = 5 * time.Second
	}

	conn := &webrtcConnection{
		peerID:          peerID,
		pc:              pc,
		handler:         &NoOpConnectionEventHandler{},
		captureRequests: make(chan *captureRequest, 1),
		audioEncoder:    audioEncoder,
		audioDecoder:    audioDecoder,
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
		bitRate:         cfg.BitRate,
		failedGrace:     cfg.FailedGrace,
		state:           ConnectionStateNew,
		done:            make(chan struct{}),
	}

	if err := conn.start(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *webrtcConnection) PeerID() string {
	return c.peerID
}

func (c *webrtcConnection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

func (c *webrtcConnection) RegisterEventHandler(handler ConnectionEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnClose registers a callback invoked exactly once when the connection
// closes. The server uses it to drop the peer from its registry.
func (c *webrtcConnection) OnClose(fn func(peerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *webrtcConnection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *webrtcConnection) start() error {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleStateChange(mapWebRTCState(state))
	})

	// The server side creates the metadata channel so it exists before the
	// answer is sent. A peer-created channel with the same label replaces it.
	dc, err := c.pc.CreateDataChannel(MetadataChannelLabel, &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.dataChannel = dc
	c.setupDataChannel(dc)

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		c.dataChannel = dc
		c.mu.Unlock()
		c.setupDataChannel(dc)
	})

	transceiver, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	if sender := transceiver.Sender(); sender != nil {
		if track := sender.Track(); track != nil {
			c.localAudioTrack = track.(*webrtc.TrackLocalStaticSample)
		}
	}

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("[webrtc %s] OnTrack: %v, codec: %v", c.peerID, track.ID(), track.Codec().MimeType)
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			c.mu.Lock()
			c.remoteAudioTrack = track
			c.mu.Unlock()

			c.wg.Add(1)
			go c.readRemoteAudio()
		case webrtc.RTPCodecTypeVideo:
			if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeH264) {
				log.Printf("[webrtc %s] ignoring video track with unsupported codec %s",
					c.peerID, track.Codec().MimeType)
				return
			}
			c.mu.Lock()
			c.remoteVideoTrack = track
			c.mu.Unlock()

			c.wg.Add(1)
			go c.readRemoteVideo(track)
		}
	})

	return nil
}

func (c *webrtcConnection) handleStateChange(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	handler := c.handler
	switch state {
	case ConnectionStateConnected:
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
	case ConnectionStateDisconnected, ConnectionStateFailed:
		if c.graceTimer == nil {
			c.graceTimer = time.AfterFunc(c.failedGrace, func() {
				log.Printf("[webrtc %s] peer did not recover within %v, closing", c.peerID, c.failedGrace)
				c.Close()
			})
		}
	}
	c.mu.Unlock()

	handler.OnConnectionStateChange(state)
}

// AddICECandidate applies a trickled remote candidate. Candidates arriving
// before the remote description are queued and flushed by the next call.
func (c *webrtcConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		c.mu.Unlock()
		return nil
	}
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, p := range pending {
		if err := c.pc.AddICECandidate(p); err != nil {
			return fmt.Errorf("add queued candidate: %w", err)
		}
	}
	return c.pc.AddICECandidate(candidate)
}

func (c *webrtcConnection) setupDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()

		handler.OnData(msg.Data)
	})

	dc.OnOpen(func() {
		log.Printf("[webrtc %s] DataChannel %q opened", c.peerID, dc.Label())
	})
}

func (c *webrtcConnection) readRemoteAudio() {
	defer c.wg.Done()

	pcmBuf := make([]int16, 1920) // 20ms at 48kHz stereo
	frameCount := 0

	for {
		select {
		case <-c.done:
			return
		default:
			c.mu.RLock()
			track := c.remoteAudioTrack
			c.mu.RUnlock()

			if track == nil {
				return
			}

			rtpPacket, _, err := track.ReadRTP()
			if err != nil {
				if err == io.EOF {
					log.Printf("[webrtc %s] remote audio track closed", c.peerID)
					return
				}
				log.Printf("[webrtc %s] RTP read error: %v", c.peerID, err)
				continue
			}

			if len(rtpPacket.Payload) == 0 {
				continue
			}

			n, err := c.audioDecoder.Decode(rtpPacket.Payload, pcmBuf)
			if err != nil {
				log.Printf("[webrtc %s] Opus decode error: %v", c.peerID, err)
				continue
			}

			pcm := audio.Int16ToBytes(pcmBuf[:n])

			frameCount++
			if frameCount%500 == 1 {
				log.Printf("[webrtc %s] audio frame #%d: %d samples, %d bytes",
					c.peerID, frameCount, n, len(pcm))
			}

			frame := &pipeline.Frame{
				Kind:      pipeline.KindAudioInput,
				SessionID: c.peerID,
				Timestamp: time.Now(),
				Audio: &pipeline.AudioData{
					PCM:        pcm,
					SampleRate: c.sampleRate,
					Channels:   c.channels,
					MediaType:  "audio/x-raw",
					Timestamp:  time.Now(),
				},
			}

			c.mu.RLock()
			handler := c.handler
			c.mu.RUnlock()

			handler.OnMessage(frame)
		}
	}
}

// captureJPEGQuality is the encode quality for frames handed to the vision
// tool. Matches the hardware camera capture quality.
const captureJPEGQuality = 80

type captureRequest struct {
	ctx  context.Context
	resp chan captureResult
}

type captureResult struct {
	jpeg []byte
	err  error
}

// readRemoteVideo drains the peer's camera track. Packets are discarded
// until a capture request arrives; only then are access units depacketized
// and decoded, and only until one picture comes out.
func (c *webrtcConnection) readRemoteVideo(track *webrtc.TrackRemote) {
	defer c.wg.Done()

	var (
		req     *captureRequest
		decoder *video.Decoder
		depkt   codecs.H264Packet
		unit    []byte
	)
	defer func() {
		if decoder != nil {
			decoder.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case r := <-c.captureRequests:
			req = r
			unit = unit[:0]
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				log.Printf("[webrtc %s] remote video track closed", c.peerID)
				return
			}
			log.Printf("[webrtc %s] video RTP read error: %v", c.peerID, err)
			continue
		}

		if req == nil {
			continue
		}
		if req.ctx.Err() != nil {
			req = nil
			continue
		}

		nal, err := depkt.Unmarshal(pkt.Payload)
		if err != nil {
			unit = unit[:0]
			continue
		}
		unit = append(unit, nal...)
		if !pkt.Marker {
			continue
		}

		if decoder == nil {
			if decoder, err = video.NewDecoder(); err != nil {
				req.resp <- captureResult{err: err}
				req = nil
				continue
			}
		}

		jpeg, err := decoder.DecodeJPEG(unit, captureJPEGQuality)
		unit = unit[:0]
		switch {
		case err == nil:
			req.resp <- captureResult{jpeg: jpeg}
			req = nil
		case errors.Is(err, video.ErrNeedMoreInput):
			// Joined mid-stream; the keyframe is on its way.
		default:
			log.Printf("[webrtc %s] video decode: %v", c.peerID, err)
		}
	}
}

// CaptureVideoFrame grabs one decoded still from the peer's camera track. A
// keyframe request goes out first so the capture does not wait for the next
// natural IDR.
func (c *webrtcConnection) CaptureVideoFrame(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	track := c.remoteVideoTrack
	c.mu.RUnlock()
	if track == nil {
		return nil, fmt.Errorf("peer has no video track")
	}

	if err := c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}); err != nil {
		log.Printf("[webrtc %s] keyframe request: %v", c.peerID, err)
	}

	req := &captureRequest{ctx: ctx, resp: make(chan captureResult, 1)}
	select {
	case c.captureRequests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}

	select {
	case res := <-req.resp:
		return res.jpeg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *webrtcConnection) SendMessage(frame *pipeline.Frame) {
	if frame.Kind != pipeline.KindAudioOutput || frame.Audio == nil {
		return
	}
	if frame.Audio.MediaType != "audio/x-raw" {
		return
	}

	c.mu.RLock()
	track := c.localAudioTrack
	c.mu.RUnlock()

	if track == nil {
		return
	}

	opusBuf := make([]byte, 1275)
	pcm := audio.BytesToInt16(frame.Audio.PCM)

	n, err := c.audioEncoder.Encode(pcm, opusBuf)
	if err != nil {
		log.Printf("[webrtc %s] Opus encode error: %v", c.peerID, err)
		return
	}

	sample := media.Sample{
		Data:     opusBuf[:n],
		Duration: frame.Audio.Duration(),
	}

	if err := track.WriteSample(sample); err != nil {
		log.Printf("[webrtc %s] failed to write audio sample: %v", c.peerID, err)
	}
}

func (c *webrtcConnection) SendJSON(v any) error {
	c.mu.RLock()
	dc := c.dataChannel
	c.mu.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("metadata channel not open")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return dc.Send(append(data, '\n'))
}

func (c *webrtcConnection) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		onClose := c.onClose
		c.state = ConnectionStateClosed
		c.mu.Unlock()

		close(c.done)
		if c.pc != nil {
			c.pc.Close()
		}
		c.wg.Wait()
		if onClose != nil {
			onClose(c.peerID)
		}
	})
	return nil
}

// mapWebRTCState maps a Pion PeerConnectionState to a ConnectionState.
func mapWebRTCState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateFailed
	}
}

func boolPtr(b bool) *bool { return &b }
