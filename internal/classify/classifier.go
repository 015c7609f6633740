package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/onnx"
)

// Preprocessor converts encoded image bytes into a model input tensor.
type Preprocessor interface {
	Preprocess(data []byte) (onnx.Tensor, error)
}

// releaser is implemented by preprocessors that recycle tensor buffers.
type releaser interface {
	Release(t onnx.Tensor)
}

// Options controls result shaping.
type Options struct {
	TopN    int  // used when a request asks for n <= 0
	MaxTopN int  // upper bound on n; 0 means unbounded
	Softmax bool // convert logits to probabilities before ranking
}

// DefaultOptions returns TopN 5, MaxTopN 100, no softmax.
func DefaultOptions() Options {
	return Options{TopN: 5, MaxTopN: 100}
}

// Scores is the raw engine output for one image.
type Scores struct {
	Data  []float32 `json:"prediction"`
	Shape []int64   `json:"shape"`
}

// LabeledPrediction is a Prediction with its class name attached.
type LabeledPrediction struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
	Label string  `json:"label"`
}

// Timing records per-stage durations of one classification.
type Timing struct {
	Preprocess time.Duration
	Inference  time.Duration
	Select     time.Duration
}

// Total returns the sum of all stages.
func (t Timing) Total() time.Duration {
	return t.Preprocess + t.Inference + t.Select
}

// Result is the outcome of Classify.
type Result struct {
	Predictions []LabeledPrediction
	Classes     []string
	Timing      Timing
}

// Classifier wires a Preprocessor, an Engine and a class Table together.
// All collaborators are injected and never mutated, so one Classifier serves
// concurrent requests.
type Classifier struct {
	pre   Preprocessor
	eng   onnx.Engine
	table *Table
	opts  Options
}

// New returns a Classifier. table may be nil.
func New(pre Preprocessor, eng onnx.Engine, table *Table, opts Options) (*Classifier, error) {
	if pre == nil {
		return nil, errors.New("classifier: nil preprocessor")
	}
	if eng == nil {
		return nil, errors.New("classifier: nil engine")
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	if opts.MaxTopN < 0 {
		opts.MaxTopN = 0
	}
	return &Classifier{pre: pre, eng: eng, table: table, opts: opts}, nil
}

// Engine returns the underlying engine.
func (c *Classifier) Engine() onnx.Engine { return c.eng }

// Table returns the class table, which may be nil.
func (c *Classifier) Table() *Table { return c.table }

// Options returns the result shaping options.
func (c *Classifier) Options() Options { return c.opts }

// Scores preprocesses data and runs the engine, returning the raw output.
func (c *Classifier) Scores(ctx context.Context, data []byte) (*Scores, error) {
	s, _, _, err := c.run(ctx, data)
	return s, err
}

func (c *Classifier) run(ctx context.Context, data []byte) (*Scores, time.Duration, time.Duration, error) {
	start := time.Now()
	in, err := c.pre.Preprocess(data)
	if err != nil {
		return nil, 0, 0, err
	}
	preDur := time.Since(start)
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		lo, hi, mean := onnx.TensorStats(in.Data)
		slog.Debug("Input tensor", "shape", in.Shape, "min", lo, "max", hi, "mean", mean)
	}

	start = time.Now()
	out, err := c.eng.Run(ctx, in)
	if r, ok := c.pre.(releaser); ok {
		r.Release(in)
	}
	if err != nil {
		var ie *onnx.InferenceError
		if !errors.As(err, &ie) {
			err = &onnx.InferenceError{Op: "run", Err: err}
		}
		return nil, preDur, 0, err
	}
	if i, ok := firstNonFinite(out.Data); ok {
		return nil, preDur, 0, &onnx.InferenceError{
			Op:  "output",
			Err: fmt.Errorf("non-finite score %v at index %d", out.Data[i], i),
		}
	}
	return &Scores{Data: out.Data, Shape: out.Shape}, preDur, time.Since(start), nil
}

// firstNonFinite returns the index of the first NaN or ±Inf value.
func firstNonFinite(data []float32) (int, bool) {
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, true
		}
	}
	return 0, false
}

// ResolveN applies the configured default and cap to a requested n.
func (c *Classifier) ResolveN(n int) int {
	if n <= 0 {
		n = c.opts.TopN
	}
	if c.opts.MaxTopN > 0 && n > c.opts.MaxTopN {
		n = c.opts.MaxTopN
	}
	return n
}

// Classify returns the top n classes for data. n <= 0 selects the configured default.
func (c *Classifier) Classify(ctx context.Context, data []byte, n int) (*Result, error) {
	scores, preDur, infDur, err := c.run(ctx, data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	values := scores.Data
	if c.opts.Softmax {
		values = Softmax(values)
	}
	if len(values) == 0 {
		return nil, &onnx.InferenceError{Op: "output", Err: fmt.Errorf("empty output tensor %v", scores.Shape)}
	}

	top := TopN(ScoresFromSlice(values), c.ResolveN(n))
	names := NamesFor(top, c.table)
	preds := make([]LabeledPrediction, len(top))
	for i, p := range top {
		preds[i] = LabeledPrediction{Index: p.Index, Score: p.Score, Label: names[i]}
	}

	return &Result{
		Predictions: preds,
		Classes:     names,
		Timing:      Timing{Preprocess: preDur, Inference: infDur, Select: time.Since(start)},
	}, nil
}
