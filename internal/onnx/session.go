package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	onnxrt "github.com/yalue/onnxruntime_go"
)

// Engine runs a loaded model on a single input tensor.
// Implementations must be safe for concurrent use.
type Engine interface {
	Run(ctx context.Context, input Tensor) (Tensor, error)
	Info() ModelInfo
	Close() error
}

// Config controls how a model session is created.
type Config struct {
	ModelPath   string
	LibraryPath string
	NumThreads  int
	// PoolSize bounds the number of concurrent inferences. Each slot owns its own
	// ONNX session, so memory grows linearly with it.
	PoolSize int
	GPU      GPUConfig
}

// DefaultConfig returns single-session CPU defaults.
func DefaultConfig() Config {
	return Config{
		NumThreads: 0,
		PoolSize:   1,
		GPU:        DefaultGPUConfig(),
	}
}

// IOInfo describes one named model input or output. Dynamic dims are -1.
type IOInfo struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Path   string `json:"path"`
	Input  IOInfo `json:"input"`
	Output IOInfo `json:"output"`
}

// CheckInput verifies that an image tensor of shape [1, c, h, w] is acceptable
// to the model. Dynamic dimensions accept any size.
func (m ModelInfo) CheckInput(c, h, w int) error {
	dims := m.Input.Shape
	if len(dims) != 4 {
		return fmt.Errorf("model input %q has rank %d, want 4 (NCHW)", m.Input.Name, len(dims))
	}
	want := []int64{1, int64(c), int64(h), int64(w)}
	names := []string{"batch", "channels", "height", "width"}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return fmt.Errorf("model input %q %s is %d, configured %d", m.Input.Name, names[i], d, want[i])
		}
	}
	return nil
}

// Session is an Engine backed by a fixed pool of ONNX Runtime sessions.
type Session struct {
	info   ModelInfo
	pool   chan *onnxrt.DynamicAdvancedSession
	all    []*onnxrt.DynamicAdvancedSession
	closed atomic.Bool
	once   sync.Once
}

// NewSession initializes the runtime and loads cfg.ModelPath. Input and output
// names are discovered from the model; the first of each is used.
// All failures are reported as *ModelLoadError.
func NewSession(cfg Config) (*Session, error) {
	fail := func(err error) (*Session, error) {
		return nil, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}

	if cfg.ModelPath == "" {
		return fail(errors.New("empty model path"))
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fail(err)
	}
	if err := ValidateGPUConfig(cfg.GPU); err != nil {
		return fail(err)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}

	if err := InitializeRuntime(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return fail(err)
	}

	in, out, err := discoverIO(cfg.ModelPath)
	if err != nil {
		return fail(err)
	}

	opts, err := newSessionOptions(cfg)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			slog.Warn("Failed to destroy session options", "error", err)
		}
	}()

	s := &Session{
		info: ModelInfo{
			Path:   cfg.ModelPath,
			Input:  IOInfo{Name: in.Name, Shape: append([]int64(nil), in.Dimensions...)},
			Output: IOInfo{Name: out.Name, Shape: append([]int64(nil), out.Dimensions...)},
		},
		pool: make(chan *onnxrt.DynamicAdvancedSession, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		sess, err := onnxrt.NewDynamicAdvancedSession(cfg.ModelPath, []string{in.Name}, []string{out.Name}, opts)
		if err != nil {
			_ = s.Close()
			return fail(fmt.Errorf("session %d: %w", i, err))
		}
		s.all = append(s.all, sess)
		s.pool <- sess
	}

	slog.Info("Model loaded",
		"path", cfg.ModelPath,
		"input", in.Name, "input_shape", in.Dimensions.String(),
		"output", out.Name, "output_shape", out.Dimensions.String(),
		"pool_size", cfg.PoolSize)
	return s, nil
}

func discoverIO(modelPath string) (onnxrt.InputOutputInfo, onnxrt.InputOutputInfo, error) {
	inputs, outputs, err := onnxrt.GetInputOutputInfo(modelPath)
	if err != nil {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{}, fmt.Errorf("io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != onnxrt.TensorElementDataTypeFloat {
		return in, out, fmt.Errorf("input %q has element type %v, want float32", in.Name, in.DataType)
	}
	if out.DataType != onnxrt.TensorElementDataTypeFloat {
		return in, out, fmt.Errorf("output %q has element type %v, want float32", out.Name, out.DataType)
	}
	return in, out, nil
}

func newSessionOptions(cfg Config) (*onnxrt.SessionOptions, error) {
	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}
	if err := configureGPU(opts, cfg.GPU); err != nil {
		_ = opts.Destroy()
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			_ = opts.Destroy()
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}
	return opts, nil
}

// Info returns the discovered model I/O description.
func (s *Session) Info() ModelInfo { return s.info }

// Run executes one inference. It waits for a free pool slot or ctx cancellation.
func (s *Session) Run(ctx context.Context, input Tensor) (Tensor, error) {
	if s.closed.Load() {
		return Tensor{}, &InferenceError{Op: "run", Err: errors.New("session closed")}
	}
	if err := VerifyImageTensor(input); err != nil {
		return Tensor{}, &InferenceError{Op: "input", Err: err}
	}

	var sess *onnxrt.DynamicAdvancedSession
	select {
	case sess = <-s.pool:
	case <-ctx.Done():
		return Tensor{}, &InferenceError{Op: "acquire", Err: ctx.Err()}
	}
	defer func() { s.pool <- sess }()

	in, err := onnxrt.NewTensor(onnxrt.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, &InferenceError{Op: "tensor", Err: err}
	}
	defer func() {
		if err := in.Destroy(); err != nil {
			slog.Warn("Failed to destroy input tensor", "error", err)
		}
	}()

	outputs := []onnxrt.Value{nil}
	if err := sess.Run([]onnxrt.Value{in}, outputs); err != nil {
		return Tensor{}, &InferenceError{Op: "run", Err: err}
	}
	defer func() {
		for _, o := range outputs {
			if o == nil {
				continue
			}
			if err := o.Destroy(); err != nil {
				slog.Warn("Failed to destroy output tensor", "error", err)
			}
		}
	}()

	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return Tensor{}, &InferenceError{Op: "output", Err: fmt.Errorf("unexpected output type %T", outputs[0])}
	}

	// The runtime owns the output buffer; copy before it is destroyed.
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return Tensor{Data: data, Shape: append([]int64(nil), t.GetShape()...)}, nil
}

// Close destroys all sessions. It is safe to call more than once.
func (s *Session) Close() error {
	var errs []error
	s.once.Do(func() {
		s.closed.Store(true)
		for _, sess := range s.all {
			if err := sess.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		s.all = nil
	})
	return errors.Join(errs...)
}
