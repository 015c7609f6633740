package onnx

import "fmt"

// ModelLoadError reports a startup failure to bring up the runtime or model.
// It is fatal: a service must not serve requests without a usable model.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("model load failed: %v", e.Err)
	}
	return fmt.Sprintf("model load failed for %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed engine invocation for a single request.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference error in %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
