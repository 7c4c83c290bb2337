// Package server hosts the HTTP signalling surface and the shared WebRTC
// API all peer connections are created from.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
)

// offerRequest is the body of POST /offer.
type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// offerResponse is returned to the client with the server's answer.
type offerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// candidateRequest is the body of PATCH /offer, one trickled candidate.
type candidateRequest struct {
	SessionID string                  `json:"session_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RTCServer accepts SDP offers over HTTP and manages the peer registry.
// All peers share one UDP port through the ICE mux.
type RTCServer struct {
	sync.RWMutex

	config  *ServerConfig
	peers   map[string]connection.RTCConnection
	api     *webrtc.API
	handler ServerEventHandler
}

func NewRTCServer(cfg *ServerConfig, handler ServerEventHandler) *RTCServer {
	if handler == nil {
		handler = &NoOpServerEventHandler{}
	}
	return &RTCServer{
		config:  cfg,
		handler: handler,
		peers:   make(map[string]connection.RTCConnection),
	}
}

// Start binds the shared UDP listener and builds the WebRTC API. It must be
// called before the HTTP handlers are mounted.
func (s *RTCServer) Start() error {
	settingEngine := webrtc.SettingEngine{}
	if s.config.ICELite {
		settingEngine.SetLite(true)
	}

	settingEngine.SetFireOnTrackBeforeFirstRTP(true)

	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeTCP4,
	})

	if len(s.config.NAT1To1IPs) > 0 {
		settingEngine.SetNAT1To1IPs(s.config.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	udpListener, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.ParseIP("0.0.0.0"),
		Port: s.config.RTCUDPPort,
	})
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", s.config.RTCUDPPort, err)
	}

	udpMux := webrtc.NewICEUDPMux(nil, udpListener)
	settingEngine.SetICEUDPMux(udpMux)

	mediaEngine, err := newMediaEngine()
	if err != nil {
		return err
	}

	s.api = webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	log.Printf("[RTCServer] ICE mux listening on udp/%d", s.config.RTCUDPPort)
	return nil
}

// newMediaEngine registers the codecs peers may negotiate: Opus for audio
// and H.264 constrained baseline for the optional camera track. Offers that
// pruned VP8/VP9/AV1 payload types still negotiate; offers with no usable
// codec get their media section rejected in the answer.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264: %w", err)
	}
	return m, nil
}

// RegisterRoutes mounts the signalling endpoints on mux.
func (s *RTCServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/offer", s.HandleOffer)
	mux.HandleFunc("/health", s.HandleHealth)
}

// HandleHealth reports liveness, the current peer count, and which providers
// the server was configured with.
func (s *RTCServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.RLock()
	n := len(s.peers)
	s.RUnlock()

	body := map[string]any{
		"status": "ok",
		"peers":  n,
	}
	if len(s.config.Providers) > 0 {
		body["providers"] = s.config.Providers
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// HandleOffer negotiates new sessions (POST) and accepts trickled ICE
// candidates for existing ones (PATCH).
func (s *RTCServer) HandleOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		s.handleNegotiate(w, r)
	case http.MethodPatch:
		s.handleCandidate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *RTCServer) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse offer", http.StatusBadRequest)
		return
	}
	if req.SDP == "" || req.Type != "offer" {
		http.Error(w, "Body must carry an SDP offer", http.StatusBadRequest)
		return
	}

	if max := s.config.MaxPeers; max > 0 {
		s.RLock()
		full := len(s.peers) >= max
		s.RUnlock()
		if full {
			http.Error(w, "Too many sessions", http.StatusConflict)
			return
		}
	}

	ctx := r.Context()

	var iceServers []webrtc.ICEServer
	for _, url := range s.config.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		s.handler.OnConnectionError(ctx, "", err)
		http.Error(w, "Failed to create peer connection", http.StatusInternalServerError)
		return
	}

	peerID := uuid.New().String()

	webrtcCfg := s.config.WebRTC
	if s.config.FailedGrace > 0 {
		webrtcCfg.FailedGrace = s.config.FailedGrace
	}
	conn, err := connection.NewWebRTCConnectionWithConfig(peerID, pc, webrtcCfg)
	if err != nil {
		pc.Close()
		s.handler.OnConnectionError(ctx, peerID, err)
		http.Error(w, "Failed to set up connection", http.StatusInternalServerError)
		return
	}

	s.Lock()
	s.peers[peerID] = conn
	s.Unlock()

	if wc, ok := conn.(interface{ OnClose(func(string)) }); ok {
		wc.OnClose(func(id string) {
			s.removePeer(id)
		})
	}

	// Hand the connection to the session layer before answering so the
	// pipeline is listening when the first packet lands.
	s.handler.OnConnectionCreated(context.Background(), conn)

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.dropFailedPeer(ctx, conn, peerID, err)
		http.Error(w, "Failed to set remote description", http.StatusInternalServerError)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.dropFailedPeer(ctx, conn, peerID, err)
		http.Error(w, "Failed to create answer", http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.dropFailedPeer(ctx, conn, peerID, err)
		http.Error(w, "Failed to set local description", http.StatusInternalServerError)
		return
	}

	// With the UDP mux the host candidates are known up front, so gathering
	// completes quickly and the answer ships with candidates inline.
	<-webrtc.GatheringCompletePromise(pc)

	local := pc.LocalDescription()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(offerResponse{
		SDP:       local.SDP,
		Type:      local.Type.String(),
		SessionID: peerID,
	})
}

func (s *RTCServer) handleCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to parse candidate", http.StatusBadRequest)
		return
	}

	s.RLock()
	conn, ok := s.peers[req.SessionID]
	s.RUnlock()
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	if err := conn.AddICECandidate(req.Candidate); err != nil {
		log.Printf("[RTCServer] add candidate for %s: %v", req.SessionID, err)
		http.Error(w, "Failed to add candidate", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Peer returns a registered connection by id.
func (s *RTCServer) Peer(peerID string) (connection.RTCConnection, bool) {
	s.RLock()
	defer s.RUnlock()
	conn, ok := s.peers[peerID]
	return conn, ok
}

// PeerCount returns how many peers are registered.
func (s *RTCServer) PeerCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.peers)
}

func (s *RTCServer) removePeer(peerID string) {
	s.Lock()
	_, ok := s.peers[peerID]
	delete(s.peers, peerID)
	s.Unlock()
	if ok {
		s.handler.OnConnectionClosed(context.Background(), peerID)
	}
}

func (s *RTCServer) dropFailedPeer(ctx context.Context, conn connection.Connection, peerID string, err error) {
	s.handler.OnConnectionError(ctx, peerID, err)
	conn.Close()
	s.Lock()
	delete(s.peers, peerID)
	s.Unlock()
}

// Stop closes every peer connection.
func (s *RTCServer) Stop() {
	s.Lock()
	peers := make([]connection.RTCConnection, 0, len(s.peers))
	for _, c := range s.peers {
		peers = append(peers, c)
	}
	s.peers = make(map[string]connection.RTCConnection)
	s.Unlock()

	for _, c := range peers {
		c.Close()
	}
}
