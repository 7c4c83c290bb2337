package server

import (
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
)

// ServerConfig tunes the signalling server and the transport it hands out.
type ServerConfig struct {
	// HTTPAddr is the listen address for the signalling endpoints.
	HTTPAddr string

	// RTCUDPPort is the single UDP port all peers are muxed onto.
	RTCUDPPort int

	// ICELite enables ICE lite mode. Off by default.
	ICELite bool

	// NAT1To1IPs advertises public addresses when the host sits behind a
	// static NAT mapping.
	NAT1To1IPs []string

	// STUNServers are handed to peers in the RTCConfiguration.
	STUNServers []string

	// FailedGrace bounds how long a disconnected peer may linger before its
	// session is torn down.
	FailedGrace time.Duration

	// Providers names the configured backends per concern, e.g.
	// {"stt": "deepgram", "tts": "elevenlabs"}. Reported by GET /health.
	Providers map[string]string

	// MaxPeers caps concurrent sessions. Zero means unlimited.
	MaxPeers int

	// WebRTC carries the per-connection codec settings.
	WebRTC connection.WebRTCConfig
}

// DefaultServerConfig returns a config suitable for a single-host deployment.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:    ":8080",
		RTCUDPPort:  8000,
		FailedGrace: 5 * time.Second,
		WebRTC:      connection.DefaultWebRTCConfig(),
	}
}
