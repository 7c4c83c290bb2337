package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the span helpers.
const (
	AttrSessionID     = "session.id"
	AttrTurnID        = "turn.id"
	AttrPipelineName  = "pipeline.name"
	AttrPipelineStage = "pipeline.stage"
	AttrFrameKind     = "frame.kind"

	AttrAudioSampleRate = "audio.sample_rate"
	AttrAudioChannels   = "audio.channels"
	AttrAudioDataSize   = "audio.data_size"

	AttrLLMModel    = "llm.model"
	AttrSTTProvider = "stt.provider"
	AttrTTSProvider = "tts.provider"
	AttrTTSVoice    = "tts.voice"

	AttrErrorKind   = "error.kind"
	AttrErrorDetail = "error.detail"
)

// SessionAttrs stamps a span with the owning session.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// TurnAttrs stamps a span with the session and turn it belongs to.
func TurnAttrs(sessionID string, turnID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.Int64(AttrTurnID, int64(turnID)),
	}
}

// AudioAttrs describes one PCM buffer.
func AudioAttrs(sampleRate, channels, dataSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAudioSampleRate, sampleRate),
		attribute.Int(AttrAudioChannels, channels),
		attribute.Int(AttrAudioDataSize, dataSize),
	}
}

// ErrorAttrs describes a classified stage failure.
func ErrorAttrs(kind, detail string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorKind, kind),
		attribute.String(AttrErrorDetail, detail),
	}
}
