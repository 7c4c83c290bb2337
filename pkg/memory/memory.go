// Package memory gives the assistant long-term recall across sessions. The
// production backend is a hosted memory service spoken over REST; a Noop
// store serves sessions that run without one.
package memory

import "context"

// Store is the long-term memory contract. Recall is on the turn's latency
// path and must respect its context deadline; Write is fire-and-forget.
type Store interface {
	// Recall returns up to k memory lines relevant to query for the given
	// user, most relevant first. A timeout yields an empty slice, not an
	// error: the conversation proceeds without memories.
	Recall(ctx context.Context, userID, query string, k int) ([]string, error)

	// Write persists one line of durable user context.
	Write(ctx context.Context, userID, text string) error
}

// Noop is the disabled-memory store.
type Noop struct{}

var _ Store = Noop{}

func (Noop) Recall(ctx context.Context, userID, query string, k int) ([]string, error) {
	return nil, nil
}

func (Noop) Write(ctx context.Context, userID, text string) error {
	return nil
}
