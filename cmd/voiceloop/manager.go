package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/voiceloop-ai/voiceloop/pkg/connection"
	"github.com/voiceloop-ai/voiceloop/pkg/gate"
	"github.com/voiceloop-ai/voiceloop/pkg/memory"
	"github.com/voiceloop-ai/voiceloop/pkg/robot"
	"github.com/voiceloop-ai/voiceloop/pkg/session"
	"github.com/voiceloop-ai/voiceloop/pkg/tts"
	"github.com/voiceloop-ai/voiceloop/pkg/vision"
)

// sessionManager builds one session per accepted peer and tears it down when
// the peer leaves. Stateless providers are constructed once and shared; the
// recognizer is per-session.
type sessionManager struct {
	ctx context.Context
	cfg appConfig

	persona    session.Persona
	tts        tts.Provider
	classifier gate.Classifier
	store      memory.Store
	robot      *robot.Client
	vision     vision.Analyzer

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newSessionManager(ctx context.Context, cfg appConfig) (*sessionManager, error) {
	persona, err := cfg.loadPersona()
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}
	ttsProvider, err := cfg.newTTS()
	if err != nil {
		return nil, err
	}
	classifier, err := cfg.newGateClassifier()
	if err != nil {
		return nil, err
	}
	store, err := cfg.newMemoryStore()
	if err != nil {
		return nil, err
	}
	robotClient, err := newRobotClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial robot daemon: %w", err)
	}
	analyzer, err := cfg.newVision(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}

	return &sessionManager{
		ctx:        ctx,
		cfg:        cfg,
		persona:    persona,
		tts:        ttsProvider,
		classifier: classifier,
		store:      store,
		robot:      robotClient,
		vision:     analyzer,
		sessions:   make(map[string]*session.Session),
	}, nil
}

func (m *sessionManager) OnConnectionCreated(ctx context.Context, conn connection.RTCConnection) {
	s, err := m.buildSession(conn)
	if err != nil {
		log.Printf("[Manager] session for %s: %v", conn.PeerID(), err)
		conn.Close()
		return
	}
	if err := s.Start(m.ctx); err != nil {
		log.Printf("[Manager] start %s: %v", conn.PeerID(), err)
		conn.Close()
		return
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()
	log.Printf("[Manager] peer %s joined (%d active)", s.ID(), n)
}

func (m *sessionManager) buildSession(conn connection.RTCConnection) (*session.Session, error) {
	recognizer, err := m.cfg.newRecognizer()
	if err != nil {
		return nil, err
	}

	sc := session.DefaultConfig()
	sc.Persona = m.persona
	sc.Recognizer = recognizer
	sc.TTS = m.tts
	sc.GateClassifier = m.classifier
	sc.Memory = m.store
	sc.RecallLimit = m.cfg.MemoryK
	sc.StoreReplies = m.cfg.MemoryStoreReplies
	sc.Robot = m.robot
	sc.Vision = m.vision
	sc.LLM.APIKey = m.cfg.OpenAIKey
	sc.LLM.BaseURL = m.cfg.LLMBaseURL
	sc.LLM.Model = m.cfg.LLMModel
	sc.VAD.MinSilence = m.cfg.VADSilence
	sc.Observer.SnapshotInterval = m.cfg.SnapshotInterval
	sc.HoldPartials = m.cfg.HoldPartials

	return session.New(conn, sc)
}

func (m *sessionManager) OnConnectionClosed(ctx context.Context, peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	delete(m.sessions, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Stop(); err != nil {
		log.Printf("[Manager] stop %s: %v", peerID, err)
	}
	log.Printf("[Manager] peer %s left", peerID)
}

func (m *sessionManager) OnConnectionError(ctx context.Context, peerID string, err error) {
	log.Printf("[Manager] negotiation error for %q: %v", peerID, err)
}

// Close stops every live session and releases shared clients.
func (m *sessionManager) Close() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	if m.robot != nil {
		m.robot.Close()
	}
}
