package connection

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// VideoCapturer grabs one decoded still from the peer's camera track.
// Connections without a negotiated video track return an error.
type VideoCapturer interface {
	CaptureVideoFrame(ctx context.Context) ([]byte, error)
}

// RTCConnection extends Connection with the WebRTC-specific surface the
// signalling server needs: trickle candidates and the underlying peer.
type RTCConnection interface {
	Connection

	// PeerConnection returns the underlying *webrtc.PeerConnection.
	PeerConnection() *webrtc.PeerConnection

	// AddICECandidate applies a remote candidate received after the offer
	// exchange. Candidates arriving before the remote description is set are
	// queued and applied by the first call made after it is set.
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// State returns the last observed connection state.
	State() ConnectionState
}
