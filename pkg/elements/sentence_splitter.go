package elements

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/voiceloop-ai/voiceloop/pkg/pipeline"
)

// SentenceSplitterConfig tunes streaming sentence detection.
type SentenceSplitterConfig struct {
	// MinLength in runes; shorter candidates keep accumulating so synthesis
	// never gets fragments like "OK.".
	MinLength int

	// MaxLength in runes; past it the buffer is force-split at a soft break
	// or space.
	MaxLength int

	// FlushTimeout releases the buffer when the model stalls without a
	// sentence ender.
	FlushTimeout time.Duration
}

func DefaultSentenceSplitterConfig() SentenceSplitterConfig {
	return SentenceSplitterConfig{
		MinLength:    10,
		MaxLength:    200,
		FlushTimeout: 800 * time.Millisecond,
	}
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true,
}

var softBreaks = map[rune]bool{
	',': true, ':': true,
}

// Title abbreviations are usually followed by a name, so a period after them
// is not a boundary even before a capital.
var titleAbbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "rev": true, "gen": true,
	"col": true, "lt": true, "sgt": true, "capt": true,
}

var otherAbbreviations = map[string]bool{
	"vs": true, "etc": true, "inc": true, "ltd": true, "corp": true,
	"co": true, "no": true, "vol": true, "fig": true, "dept": true,
	"est": true, "approx": true, "e.g": true, "i.e": true,
	"a.m": true, "p.m": true, "u.s": true, "u.k": true,
}

var numberTail = regexp.MustCompile(`[\d$€£]\d*\.\d*$`)

var urlTail = regexp.MustCompile(`(https?://\S*|www\.\S*|\S+@\S+\.\S*|\S+\.(com|org|net|io|ai))$`)

// SentenceSplitter detects sentence boundaries in streamed text. Splitting
// late is always preferred over splitting wrong; a bad break sounds worse in
// synthesis than a delayed one.
type SentenceSplitter struct {
	config   SentenceSplitterConfig
	callback func(sentence string)

	mu     sync.Mutex
	buffer strings.Builder
	timer  *time.Timer
}

func NewSentenceSplitter(config SentenceSplitterConfig) *SentenceSplitter {
	if config.MinLength <= 0 {
		config.MinLength = 10
	}
	if config.MaxLength <= 0 {
		config.MaxLength = 200
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 800 * time.Millisecond
	}
	return &SentenceSplitter{config: config}
}

// OnSentence sets the callback invoked with each complete sentence. It runs
// holding the splitter lock; keep it short.
func (s *SentenceSplitter) OnSentence(fn func(sentence string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// Feed appends streamed text and emits any sentences it completes.
func (s *SentenceSplitter) Feed(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.WriteString(text)
	s.resetTimer()
	s.emitComplete()
}

// Flush releases whatever remains, regardless of length.
func (s *SentenceSplitter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.emitRest()
}

// Reset discards buffered text without emitting.
func (s *SentenceSplitter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.buffer.Reset()
}

func (s *SentenceSplitter) emitComplete() {
	for {
		content := s.buffer.String()
		cut := s.findBoundary(content)
		if cut <= 0 {
			return
		}
		sentence := strings.TrimSpace(content[:cut])
		if utf8.RuneCountInString(sentence) < s.config.MinLength {
			return
		}
		s.buffer.Reset()
		s.buffer.WriteString(content[cut:])
		if s.callback != nil && sentence != "" {
			s.callback(sentence)
		}
	}
}

func (s *SentenceSplitter) emitRest() {
	content := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	if content != "" && s.callback != nil {
		s.callback(content)
	}
}

// findBoundary returns the byte offset just past a safe sentence boundary, or
// 0 when the buffer holds no complete sentence yet.
func (s *SentenceSplitter) findBoundary(text string) int {
	runes := []rune(text)
	for i, r := range runes {
		if !sentenceEnders[r] {
			continue
		}
		if r == '.' && s.periodIsInternal(string(runes[:i+1]), string(runes[i+1:])) {
			continue
		}
		return len(string(runes[:i+1]))
	}
	if len(runes) >= s.config.MaxLength {
		return s.forcedBreak(runes)
	}
	return 0
}

// periodIsInternal reports whether a period belongs to an abbreviation,
// number, or URL rather than ending a sentence.
func (s *SentenceSplitter) periodIsInternal(before, after string) bool {
	if strings.HasSuffix(before, "..") {
		return true
	}
	if next, _ := utf8.DecodeRuneInString(after); unicode.IsLower(next) {
		return true
	}

	newSentence := looksLikeSentenceStart(after)
	if word := lastWord(before); word != "" {
		if titleAbbreviations[word] {
			return true
		}
		if otherAbbreviations[word] {
			return !newSentence
		}
	}
	if numberTail.MatchString(before) || urlTail.MatchString(before) {
		return !newSentence
	}
	return false
}

func looksLikeSentenceStart(after string) bool {
	trimmed := strings.TrimLeft(after, " \t")
	if trimmed == "" {
		return false
	}
	first, _ := utf8.DecodeRuneInString(trimmed)
	return unicode.IsUpper(first)
}

func lastWord(text string) string {
	text = strings.TrimSuffix(text, ".")
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(words[len(words)-1]), ".")
}

// forcedBreak splits an over-long run at a soft break, then a space, then
// hard at MaxLength.
func (s *SentenceSplitter) forcedBreak(runes []rune) int {
	for i := len(runes) - 1; i >= s.config.MinLength; i-- {
		if softBreaks[runes[i]] {
			return len(string(runes[:i+1]))
		}
	}
	for i := len(runes) - 1; i >= s.config.MinLength; i-- {
		if unicode.IsSpace(runes[i]) {
			return len(string(runes[:i+1]))
		}
	}
	max := s.config.MaxLength
	if max > len(runes) {
		max = len(runes)
	}
	return len(string(runes[:max]))
}

func (s *SentenceSplitter) resetTimer() {
	s.stopTimer()
	s.timer = time.AfterFunc(s.config.FlushTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.emitRest()
	})
}

func (s *SentenceSplitter) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SentenceSplitterElement buffers assistant text deltas and re-emits them as
// sentence-sized delta frames for synthesis. The settled final is forwarded
// unchanged after a flush, so downstream stages still see the turn close.
type SentenceSplitterElement struct {
	*pipeline.BaseElement

	splitter *SentenceSplitter

	mu      sync.Mutex
	ctx     context.Context
	session string
	turnID  uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSentenceSplitterElement(config SentenceSplitterConfig) *SentenceSplitterElement {
	e := &SentenceSplitterElement{
		BaseElement: pipeline.NewBaseElement("sentence_splitter", 32),
		splitter:    NewSentenceSplitter(config),
	}
	e.splitter.OnSentence(e.emitSentence)
	return e
}

func (e *SentenceSplitterElement) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

func (e *SentenceSplitterElement) Stop() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	e.splitter.Reset()
	return nil
}

func (e *SentenceSplitterElement) run(ctx context.Context) {
	for {
		frame, err := e.InQ.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.Kind {
		case pipeline.KindAssistantTextDelta:
			if frame.Text == nil {
				continue
			}
			e.note(frame)
			e.splitter.Feed(frame.Text.Text)
		case pipeline.KindAssistantTextFinal:
			e.note(frame)
			e.splitter.Flush()
			e.forward(ctx, frame)
		case pipeline.KindInterrupt:
			e.splitter.Reset()
			e.forward(ctx, frame)
		default:
			e.forward(ctx, frame)
		}
	}
}

// note records the frame's addressing so sentences emitted from the timer
// callback carry the right session and turn.
func (e *SentenceSplitterElement) note(frame *pipeline.Frame) {
	e.mu.Lock()
	e.session = frame.SessionID
	e.turnID = frame.TurnID
	e.mu.Unlock()
}

func (e *SentenceSplitterElement) emitSentence(sentence string) {
	e.mu.Lock()
	ctx := e.ctx
	session := e.session
	turnID := e.turnID
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	e.forward(ctx, &pipeline.Frame{
		Kind:      pipeline.KindAssistantTextDelta,
		SessionID: session,
		TurnID:    turnID,
		Timestamp: time.Now(),
		Text:      &pipeline.TextData{Text: sentence, Timestamp: time.Now()},
	})
}

func (e *SentenceSplitterElement) forward(ctx context.Context, frame *pipeline.Frame) {
	if err := e.OutQ.Send(ctx, frame); err != nil && ctx.Err() == nil {
		log.Printf("[Splitter] forward %s: %v", frame.Kind, err)
	}
}
