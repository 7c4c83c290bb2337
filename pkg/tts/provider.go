// Package tts streams synthesized speech for the voice pipeline. Providers
// receive one sentence-sized unit per call and emit PCM16 chunks as they are
// generated, so playback can start before synthesis finishes.
package tts

import "context"

// Format describes the PCM a provider emits. All providers produce
// little-endian 16-bit samples.
type Format struct {
	SampleRate int
	Channels   int
}

// Provider synthesizes one text unit into streamed PCM chunks. The audio
// channel closes when synthesis completes; the error channel delivers at most
// one error. Cancelling the context aborts the synthesis mid-stream.
type Provider interface {
	Name() string
	Format() Format
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}
