package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/imgclass/internal/onnx"
)

// FakeEngine is an onnx.Engine that returns fixed scores without a model.
type FakeEngine struct {
	Scores []float32
	Err    error
	// Model describes the fake I/O. Zero value means [1,3,224,224] -> [1,len(Scores)].
	Model onnx.ModelInfo

	mu     sync.Mutex
	inputs []onnx.Tensor
	calls  atomic.Int64
	closed atomic.Bool
}

// NewFakeEngine returns an engine that always answers with scores.
func NewFakeEngine(scores ...float32) *FakeEngine {
	return &FakeEngine{Scores: scores}
}

// Run records input and returns a copy of Scores, or Err when set.
func (f *FakeEngine) Run(ctx context.Context, input onnx.Tensor) (onnx.Tensor, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return onnx.Tensor{}, &onnx.InferenceError{Op: "acquire", Err: err}
	}
	if f.Err != nil {
		return onnx.Tensor{}, f.Err
	}

	f.mu.Lock()
	f.inputs = append(f.inputs, onnx.Tensor{Data: append([]float32(nil), input.Data...), Shape: input.Shape})
	f.mu.Unlock()

	out := append([]float32(nil), f.Scores...)
	return onnx.Tensor{Data: out, Shape: []int64{1, int64(len(out))}}, nil
}

// Info returns Model, filling in defaults.
func (f *FakeEngine) Info() onnx.ModelInfo {
	info := f.Model
	if info.Input.Name == "" {
		info.Input = onnx.IOInfo{Name: "input", Shape: []int64{1, 3, 224, 224}}
	}
	if info.Output.Name == "" {
		info.Output = onnx.IOInfo{Name: "output", Shape: []int64{1, int64(len(f.Scores))}}
	}
	if info.Path == "" {
		info.Path = "fake.onnx"
	}
	return info
}

// Close marks the engine closed.
func (f *FakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns how many times Run was invoked.
func (f *FakeEngine) Calls() int { return int(f.calls.Load()) }

// Closed reports whether Close was called.
func (f *FakeEngine) Closed() bool { return f.closed.Load() }

// LastInput returns the most recent successful input tensor.
func (f *FakeEngine) LastInput() (onnx.Tensor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return onnx.Tensor{}, false
	}
	return f.inputs[len(f.inputs)-1], true
}
