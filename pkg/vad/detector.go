//go:build vad

package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The Silero model reads fixed windows of 512 samples at 16 kHz or 256 at
// 8 kHz, each prefixed with the last 64 samples of the previous window, and
// carries a 2x1x128 LSTM state between windows.
const (
	sileroContext = 64
	sileroHidden  = 2 * 128
)

var ortEnv struct {
	once sync.Once
	err  error
}

// loadRuntime points onnxruntime_go at the shared library and initializes
// the environment. The first caller wins; the environment lives until the
// process exits.
func loadRuntime() error {
	ortEnv.once.Do(func() {
		if lib := locateRuntimeLibrary(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

func locateRuntimeLibrary() string {
	dirs := []string{"/usr/lib", "/usr/local/lib", "/opt/onnxruntime/lib", "/opt/homebrew/lib"}
	dirs = append(dirs, filepath.SplitList(os.Getenv("LD_LIBRARY_PATH"))...)
	dirs = append(dirs, filepath.SplitList(os.Getenv("DYLD_LIBRARY_PATH"))...)

	candidates := []string{os.Getenv("ONNXRUNTIME_LIB")}
	for _, dir := range dirs {
		candidates = append(candidates,
			filepath.Join(dir, "libonnxruntime.so"),
			filepath.Join(dir, "libonnxruntime.dylib"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// SileroConfig configures the neural detector.
type SileroConfig struct {
	// ModelPath locates the silero_vad.onnx weights.
	ModelPath string
	// SampleRate of the input stream. 8000 and 16000 are supported.
	SampleRate int
}

// SileroDetector scores speech with the Silero VAD model. Incoming chunks of
// any size are accumulated into the model's fixed window; between full
// windows Infer returns the last score, so callers may feed whatever the
// audio path delivers. One detector serves one stream.
type SileroDetector struct {
	session *ort.DynamicAdvancedSession

	window  []float32
	hidden  []float32
	pending []float32
	winLen  int
	last    float32

	input *ort.Tensor[float32]
	state *ort.Tensor[float32]
	rate  *ort.Tensor[int64]
	score *ort.Tensor[float32]
	next  *ort.Tensor[float32]
}

var _ DetectorInterface = (*SileroDetector)(nil)

func NewSileroDetector(cfg SileroConfig) (*SileroDetector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("vad: silero model path not set")
	}
	var winLen int
	switch cfg.SampleRate {
	case 16000:
		winLen = 512
	case 8000:
		winLen = 256
	default:
		return nil, fmt.Errorf("vad: silero supports 8000 or 16000 Hz, got %d", cfg.SampleRate)
	}

	if err := loadRuntime(); err != nil {
		return nil, fmt.Errorf("vad: onnxruntime: %w", err)
	}

	d := &SileroDetector{
		window: make([]float32, sileroContext+winLen),
		hidden: make([]float32, sileroHidden),
		winLen: winLen,
	}

	// The input and state tensors wrap the persistent buffers, so each run
	// reads whatever was copied in since the last one.
	var err error
	if d.input, err = ort.NewTensor(ort.NewShape(1, int64(len(d.window))), d.window); err != nil {
		return nil, fmt.Errorf("vad: input tensor: %w", err)
	}
	if d.state, err = ort.NewTensor(ort.NewShape(2, 1, 128), d.hidden); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: state tensor: %w", err)
	}
	if d.rate, err = ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)}); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: rate tensor: %w", err)
	}
	if d.score, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: score tensor: %w", err)
	}
	if d.next, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: state output tensor: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		opts)
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vad: load model %s: %w", cfg.ModelPath, err)
	}
	d.session = session
	return d, nil
}

func (d *SileroDetector) Infer(samples []float32) (float32, error) {
	if d == nil || d.session == nil {
		return 0, fmt.Errorf("vad: detector not usable")
	}

	d.pending = append(d.pending, samples...)
	for len(d.pending) >= d.winLen {
		copy(d.window[sileroContext:], d.pending[:d.winLen])
		if err := d.session.Run(
			[]ort.Value{d.input, d.state, d.rate},
			[]ort.Value{d.score, d.next},
		); err != nil {
			return 0, fmt.Errorf("vad: inference: %w", err)
		}
		copy(d.hidden, d.next.GetData())
		d.last = d.score.GetData()[0]

		// The tail of this window becomes the context prefix of the next.
		copy(d.window[:sileroContext], d.window[len(d.window)-sileroContext:])
		d.pending = d.pending[:copy(d.pending, d.pending[d.winLen:])]
	}
	return d.last, nil
}

// Reset clears the model state and drops buffered samples so the detector
// can score a fresh stream.
func (d *SileroDetector) Reset() error {
	if d == nil {
		return fmt.Errorf("vad: detector not usable")
	}
	for i := range d.hidden {
		d.hidden[i] = 0
	}
	for i := range d.window {
		d.window[i] = 0
	}
	d.pending = d.pending[:0]
	d.last = 0
	return nil
}

// Destroy releases the session and tensors. The detector is unusable after.
func (d *SileroDetector) Destroy() error {
	if d == nil {
		return fmt.Errorf("vad: detector not usable")
	}
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			return fmt.Errorf("vad: destroy session: %w", err)
		}
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.state != nil {
		d.state.Destroy()
		d.state = nil
	}
	if d.rate != nil {
		d.rate.Destroy()
		d.rate = nil
	}
	if d.score != nil {
		d.score.Destroy()
		d.score = nil
	}
	if d.next != nil {
		d.next.Destroy()
		d.next = nil
	}
	return nil
}
