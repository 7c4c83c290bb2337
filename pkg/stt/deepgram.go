package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig configures the realtime transcription session.
type DeepgramConfig struct {
	APIKey     string
	SampleRate int
	Model      string
	Language   string

	// Diarize asks the provider to attribute words to speakers. Speaker
	// labels surface as Result.SpeakerID.
	Diarize bool

	// InterimResults streams unsettled transcripts between finals.
	InterimResults bool

	// UtteranceEndMs is the provider-side utterance gap in milliseconds.
	UtteranceEndMs int

	// EndpointingMs is the provider's endpointing window.
	EndpointingMs int
}

// DefaultDeepgramConfig returns the session tuning used by the voice loop.
func DefaultDeepgramConfig(apiKey string) DeepgramConfig {
	return DeepgramConfig{
		APIKey:         apiKey,
		SampleRate:     16000,
		Model:          "nova-3",
		Language:       "en-US",
		Diarize:        true,
		InterimResults: true,
		UtteranceEndMs: 1000,
		EndpointingMs:  300,
	}
}

// DeepgramRecognizer streams linear16 PCM to the Deepgram listen socket and
// decodes its JSON responses with the official SDK's response types.
type DeepgramRecognizer struct {
	config DeepgramConfig

	connMu    sync.Mutex
	conn      *websocket.Conn
	lastMsgTs time.Time

	results chan Result
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

var _ Recognizer = (*DeepgramRecognizer)(nil)

func NewDeepgramRecognizer(config DeepgramConfig) (*DeepgramRecognizer, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("stt: deepgram api key not set")
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.Model == "" {
		config.Model = "nova-3"
	}
	return &DeepgramRecognizer{
		config:  config,
		results: make(chan Result, 32),
	}, nil
}

func (r *DeepgramRecognizer) listenURL() string {
	listenURL, _ := url.Parse(deepgramListenURL)
	q := listenURL.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.config.SampleRate))
	q.Set("channels", "1")
	q.Set("model", r.config.Model)
	if r.config.Language != "" {
		q.Set("language", r.config.Language)
	}
	q.Set("smart_format", "true")
	q.Set("vad_events", "true")
	if r.config.Diarize {
		q.Set("diarize", "true")
	}
	if r.config.InterimResults {
		q.Set("interim_results", "true")
	}
	if r.config.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(r.config.UtteranceEndMs))
	}
	if r.config.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(r.config.EndpointingMs))
	}
	listenURL.RawQuery = q.Encode()
	return listenURL.String()
}

func (r *DeepgramRecognizer) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.listenURL(),
		http.Header{"Authorization": {"Token " + r.config.APIKey}})
	if err != nil {
		return nil, fmt.Errorf("stt: open deepgram socket: %w", err)
	}
	return conn, nil
}

func (r *DeepgramRecognizer) Start(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.connMu.Lock()
	r.conn = conn
	r.lastMsgTs = time.Now()
	r.connMu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.supervise(ctx, conn)
	}()
	go func() {
		defer r.wg.Done()
		r.keepAliveLoop(ctx)
	}()
	return nil
}

// supervise owns the socket for the recognizer's lifetime. When the provider
// drops the connection mid-session it redials with exponential backoff, so a
// transient network blip costs at most a few lost interim results. The
// results channel closes only when the session itself is done.
func (r *DeepgramRecognizer) supervise(ctx context.Context, conn *websocket.Conn) {
	defer close(r.results)
	for {
		r.readLoop(conn)
		if ctx.Err() != nil {
			return
		}

		next, err := r.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Deepgram] reconnect failed: %v", err)
			}
			return
		}
		log.Printf("[Deepgram] reconnected")
		conn = next
	}
}

func (r *DeepgramRecognizer) redial(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, err := r.dial(ctx)
		if err != nil {
			log.Printf("[Deepgram] redial: %v", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}

	r.connMu.Lock()
	if ctx.Err() != nil {
		r.connMu.Unlock()
		conn.Close()
		return nil, ctx.Err()
	}
	r.conn = conn
	r.lastMsgTs = time.Now()
	r.connMu.Unlock()
	return conn, nil
}

func (r *DeepgramRecognizer) SendAudio(pcm []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("stt: recognizer not started")
	}
	r.lastMsgTs = time.Now()
	if err := r.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("stt: write audio: %w", err)
	}
	return nil
}

// Reconnect drops the current socket so the supervisor redials. Callers use
// it when the provider has gone quiet without closing the connection.
func (r *DeepgramRecognizer) Reconnect() {
	r.connMu.Lock()
	conn := r.conn
	r.conn = nil
	r.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *DeepgramRecognizer) Results() <-chan Result {
	return r.results
}

func (r *DeepgramRecognizer) Close() error {
	var closeErr error
	r.once.Do(func() {
		r.connMu.Lock()
		if r.conn != nil {
			closeErr = r.conn.WriteJSON(struct {
				Type string `json:"type"`
			}{Type: string(api.TypeCloseStreamResponse)})
		}
		r.connMu.Unlock()

		if r.cancel != nil {
			r.cancel()
		}
	})
	return closeErr
}

// keepAliveLoop keeps the socket warm when no audio is flowing. Deepgram
// drops connections idle for more than ~10 seconds.
func (r *DeepgramRecognizer) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.connMu.Lock()
			idle := time.Since(r.lastMsgTs) > 5*time.Second
			conn := r.conn
			r.connMu.Unlock()
			if !idle || conn == nil {
				continue
			}
			r.connMu.Lock()
			err := conn.WriteJSON(struct {
				Type string `json:"type"`
			}{Type: "KeepAlive"})
			r.connMu.Unlock()
			if err != nil {
				log.Printf("[Deepgram] keepalive write: %v", err)
			}
		}
	}
}

func (r *DeepgramRecognizer) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !strings.Contains(err.Error(), "close 1000") {
				log.Printf("[Deepgram] read: %v", err)
			}
			r.connMu.Lock()
			r.conn = nil
			r.connMu.Unlock()
			conn.Close()
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		r.processMessage(msg)
	}
}

func (r *DeepgramRecognizer) processMessage(msg []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &header); err != nil {
		log.Printf("[Deepgram] unmarshal header: %v", err)
		return
	}

	switch api.TypeResponse(header.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Printf("[Deepgram] unmarshal message: %v", err)
			return
		}
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if text == "" {
			return
		}
		r.deliver(Result{
			Text:      text,
			SpeakerID: dominantSpeaker(msg),
			Final:     resp.IsFinal,
		})

	case api.TypeUtteranceEndResponse:
		r.deliver(Result{UtteranceEnd: true})
	}
}

// dominantSpeaker picks the speaker attributed to the most words in the
// first alternative. Deepgram labels speakers with small integers per
// session; the word list is parsed from the raw message so the label
// survives SDK type changes.
func dominantSpeaker(msg []byte) string {
	var parsed struct {
		Channel struct {
			Alternatives []struct {
				Words []struct {
					Speaker *int `json:"speaker"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(msg, &parsed); err != nil || len(parsed.Channel.Alternatives) == 0 {
		return ""
	}
	counts := make(map[int]int)
	for _, w := range parsed.Channel.Alternatives[0].Words {
		if w.Speaker != nil {
			counts[*w.Speaker]++
		}
	}
	best, bestCount := -1, 0
	for speaker, count := range counts {
		if count > bestCount {
			best, bestCount = speaker, count
		}
	}
	if best < 0 {
		return ""
	}
	return "S" + strconv.Itoa(best)
}

func (r *DeepgramRecognizer) deliver(res Result) {
	select {
	case r.results <- res:
	default:
		// A stalled consumer sheds the oldest update.
		select {
		case <-r.results:
		default:
		}
		select {
		case r.results <- res:
		default:
		}
	}
}
