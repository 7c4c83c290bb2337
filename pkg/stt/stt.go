// Package stt provides streaming speech-to-text recognizers. The production
// implementation speaks the Deepgram realtime protocol; a scripted mock
// backs the tests.
package stt

import "context"

// Result is one transcription update from the recognizer.
type Result struct {
	// Text is the transcript for the covered audio span.
	Text string
	// SpeakerID is an opaque diarization label, empty when diarization is
	// off or the provider did not attribute the span.
	SpeakerID string
	// Final marks the span as settled; interim results may be rewritten.
	Final bool
	// UtteranceEnd marks the provider's end-of-utterance signal. Text is
	// empty on these results.
	UtteranceEnd bool
}

// Recognizer is a streaming transcription session. Audio goes in via
// SendAudio, results come back on Results. One Recognizer serves one stream.
type Recognizer interface {
	// Start opens the provider connection. Results are delivered until the
	// context ends or Close is called.
	Start(ctx context.Context) error

	// SendAudio submits one chunk of raw PCM in the configured encoding.
	SendAudio(pcm []byte) error

	// Results returns the channel transcription updates arrive on. The
	// channel closes when the session ends.
	Results() <-chan Result

	// Close flushes the provider buffer and tears the session down.
	Close() error
}
