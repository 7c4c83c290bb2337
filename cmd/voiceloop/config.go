package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/memory"
	"github.com/voiceloop-ai/voiceloop/pkg/session"
	"github.com/voiceloop-ai/voiceloop/pkg/stt"
	"github.com/voiceloop-ai/voiceloop/pkg/tts"
	"github.com/voiceloop-ai/voiceloop/pkg/vision"
)

// appConfig is the process configuration, read once at startup from the
// environment. Provider API keys come from their conventional variables;
// everything else is prefixed VOICELOOP_.
type appConfig struct {
	HTTPAddr string
	UDPPort  int
	MaxPeers int

	PersonaPath string

	STTProvider string
	TTSProvider string
	TTSVoice    string

	LLMModel   string
	LLMBaseURL string

	MemoryEnabled      bool
	MemoryK            int
	MemoryURL          string
	MemoryStoreReplies bool

	GateEnabled    bool
	GateBudget     time.Duration
	GateFailClosed bool

	VADSilence time.Duration

	// TurnStabilise is how long a transcript must sit unchanged after speech
	// stops before the turn settles. TurnHardDeadline is the outer bound on
	// waiting for the provider's end-of-utterance signal.
	TurnStabilise    time.Duration
	TurnHardDeadline time.Duration

	RobotEnabled bool
	RobotAddress string

	SnapshotInterval time.Duration

	HoldPartials bool

	DeepgramKey   string
	OpenAIKey     string
	ElevenLabsKey string
	GeminiKey     string
	MemoryKey     string
	GateKey       string
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr: envStr("VOICELOOP_HTTP_ADDR", ":8080"),
		UDPPort:  envInt("VOICELOOP_UDP_PORT", 8000),
		MaxPeers: envInt("VOICELOOP_MAX_PEERS", 0),

		PersonaPath: envStr("VOICELOOP_PERSONA", ""),

		STTProvider: envStr("VOICELOOP_STT_PROVIDER", "deepgram"),
		TTSProvider: envStr("VOICELOOP_TTS_PROVIDER", "elevenlabs"),
		TTSVoice:    envStr("VOICELOOP_TTS_VOICE", ""),

		LLMModel:   envStr("VOICELOOP_LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL: envStr("VOICELOOP_LLM_BASE_URL", ""),

		MemoryEnabled:      envBool("VOICELOOP_MEMORY_ENABLED", false),
		MemoryK:            envInt("VOICELOOP_MEMORY_K", 3),
		MemoryURL:          envStr("VOICELOOP_MEMORY_URL", ""),
		MemoryStoreReplies: envBool("VOICELOOP_MEMORY_STORE_REPLIES", false),

		GateEnabled:    envBool("VOICELOOP_GATE_ENABLED", false),
		GateBudget:     envMillis("VOICELOOP_GATE_BUDGET_MS", 400*time.Millisecond),
		GateFailClosed: envBool("VOICELOOP_GATE_FAIL_CLOSED", false),

		VADSilence: envMillis("VOICELOOP_VAD_SILENCE_MS", 600*time.Millisecond),

		TurnStabilise:    envMillis("VOICELOOP_TURN_STABILISE_MS", 300*time.Millisecond),
		TurnHardDeadline: envMillis("VOICELOOP_TURN_HARD_DEADLINE_MS", 1500*time.Millisecond),

		RobotEnabled: envBool("VOICELOOP_ROBOT_ENABLED", false),
		RobotAddress: envStr("VOICELOOP_ROBOT_ADDRESS", "localhost:50051"),

		SnapshotInterval: envMillis("VOICELOOP_OBSERVER_SNAPSHOT_MS", 500*time.Millisecond),

		HoldPartials: envBool("VOICELOOP_HOLD_PARTIALS", true),

		DeepgramKey:   os.Getenv("DEEPGRAM_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		ElevenLabsKey: os.Getenv("ELEVENLABS_API_KEY"),
		GeminiKey:     os.Getenv("GEMINI_API_KEY"),
		MemoryKey:     os.Getenv("MEM0_API_KEY"),
		GateKey:       envStr("VOICELOOP_GATE_API_KEY", os.Getenv("OPENAI_API_KEY")),
	}
}

// newRecognizer builds a fresh recognizer for one session. Recognizer streams
// are stateful, so unlike the other providers they are never shared.
func (c appConfig) newRecognizer() (stt.Recognizer, error) {
	switch c.STTProvider {
	case "deepgram":
		if c.DeepgramKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY not set")
		}
		dg := stt.DefaultDeepgramConfig(c.DeepgramKey)
		// Deepgram requires utterance_end_ms >= 1000, so the hard deadline
		// feeds it and the shorter stabilise window drives endpointing.
		dg.UtteranceEndMs = int(c.TurnHardDeadline / time.Millisecond)
		dg.EndpointingMs = int(c.TurnStabilise / time.Millisecond)
		return stt.NewDeepgramRecognizer(dg)
	case "mock":
		return stt.NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", c.STTProvider)
	}
}

func (c appConfig) newTTS() (tts.Provider, error) {
	switch c.TTSProvider {
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY not set")
		}
		return tts.NewElevenLabs(tts.DefaultElevenLabsConfig(c.ElevenLabsKey, c.TTSVoice))
	case "openai":
		if c.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		cfg := tts.DefaultOpenAIConfig(c.OpenAIKey)
		if c.TTSVoice != "" {
			cfg.Voice = c.TTSVoice
		}
		return tts.NewOpenAI(cfg)
	case "mock":
		return tts.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", c.TTSProvider)
	}
}

func (c appConfig) newGateClassifier() (gate.Classifier, error) {
	if !c.GateEnabled {
		return nil, nil
	}
	if c.GateKey == "" {
		return nil, fmt.Errorf("gate enabled but no API key set")
	}
	cfg := gate.DefaultLLMClassifierConfig(c.GateKey)
	cfg.BaseURL = envStr("VOICELOOP_GATE_BASE_URL", "")
	cfg.Timeout = c.GateBudget
	cfg.FailClosed = c.GateFailClosed
	return gate.NewLLMClassifier(cfg)
}

func (c appConfig) newMemoryStore() (memory.Store, error) {
	if !c.MemoryEnabled {
		return nil, nil
	}
	if c.MemoryURL == "" {
		return nil, fmt.Errorf("memory enabled but VOICELOOP_MEMORY_URL not set")
	}
	return memory.NewRESTStore(memory.DefaultRESTConfig(c.MemoryURL, c.MemoryKey))
}

func (c appConfig) loadPersona() (session.Persona, error) {
	return session.LoadPersona(c.PersonaPath)
}

// providerNames summarizes the configured backends for the health endpoint.
func (c appConfig) providerNames() map[string]string {
	p := map[string]string{
		"stt": c.STTProvider,
		"tts": c.TTSProvider,
		"llm": c.LLMModel,
	}
	if c.GateEnabled {
		p["gate"] = "llm"
	}
	if c.MemoryEnabled {
		p["memory"] = "rest"
	}
	if c.GeminiKey != "" {
		p["vision"] = "gemini"
	}
	if c.RobotEnabled {
		p["robot"] = c.RobotAddress
	}
	return p
}

func (c appConfig) newVision(ctx context.Context) (vision.Analyzer, error) {
	if c.GeminiKey == "" {
		return nil, nil
	}
	return vision.NewGeminiAnalyzer(ctx, vision.DefaultGeminiConfig(c.GeminiKey))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
