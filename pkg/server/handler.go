package server

import (
	"context"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
)

// ServerEventHandler receives peer lifecycle callbacks from the signalling
// server. The session layer uses OnConnectionCreated to build the per-peer
// pipeline.
type ServerEventHandler interface {
	// OnConnectionCreated is called once the PeerConnection exists, before
	// the answer is returned to the client.
	OnConnectionCreated(ctx context.Context, conn connection.RTCConnection)

	// OnConnectionClosed is called after a peer is removed from the registry.
	OnConnectionClosed(ctx context.Context, peerID string)

	// OnConnectionError is called when negotiation fails.
	OnConnectionError(ctx context.Context, peerID string, err error)
}

// NoOpServerEventHandler is an empty implementation for callers that only
// care about a subset of events.
type NoOpServerEventHandler struct{}

func (h *NoOpServerEventHandler) OnConnectionCreated(ctx context.Context, conn connection.RTCConnection) {
}

func (h *NoOpServerEventHandler) OnConnectionClosed(ctx context.Context, peerID string) {}

func (h *NoOpServerEventHandler) OnConnectionError(ctx context.Context, peerID string, err error) {}
