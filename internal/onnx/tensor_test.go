package onnx

import "testing"

func TestNewImageTensorAndVerify(t *testing.T) {
	c, h, w := 3, 4, 5
	data := make([]float32, c*h*w)
	ten, err := NewImageTensor(data, c, h, w)
	if err != nil {
		t.Fatalf("NewImageTensor error: %v", err)
	}
	if got := ten.Shape; len(got) != 4 || got[0] != 1 || got[1] != 3 || got[2] != 4 || got[3] != 5 {
		t.Fatalf("unexpected shape: %v", got)
	}
	if ten.Elements() != c*h*w {
		t.Fatalf("Elements() = %d, want %d", ten.Elements(), c*h*w)
	}
	if err := VerifyImageTensor(ten); err != nil {
		t.Fatalf("VerifyImageTensor: %v", err)
	}
}

func TestNewImageTensorErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []float32
		c, h, w int
		wantErr bool
	}{
		{name: "nil data", data: nil, c: 3, h: 4, w: 5, wantErr: true},
		{name: "data too short", data: make([]float32, 10), c: 3, h: 4, w: 5, wantErr: true},
		{name: "data too long", data: make([]float32, 100), c: 3, h: 4, w: 5, wantErr: true},
		{name: "zero channels", data: make([]float32, 0), c: 0, h: 4, w: 5, wantErr: true},
		{name: "valid data", data: make([]float32, 60), c: 3, h: 4, w: 5, wantErr: false},
		{name: "single channel", data: make([]float32, 20), c: 1, h: 4, w: 5, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewImageTensor(tt.data, tt.c, tt.h, tt.w)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewImageTensor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNCHW(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int64
		wantErr bool
	}{
		{name: "valid NCHW", shape: []int64{1, 3, 224, 224}},
		{name: "wrong rank - 2D", shape: []int64{3, 224}, wantErr: true},
		{name: "wrong rank - 5D", shape: []int64{1, 3, 224, 224, 1}, wantErr: true},
		{name: "zero C dimension", shape: []int64{1, 0, 224, 224}, wantErr: true},
		{name: "negative W dimension", shape: []int64{1, 3, 224, -224}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNCHW(tt.shape)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNCHW() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyImageTensorLengthMismatch(t *testing.T) {
	ten := Tensor{Data: make([]float32, 5), Shape: []int64{1, 3, 2, 2}}
	if err := VerifyImageTensor(ten); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestTensorStats(t *testing.T) {
	tests := []struct {
		name                string
		data                []float32
		wantMin, wantMax, m float32
	}{
		{name: "empty", data: nil},
		{name: "single", data: []float32{2}, wantMin: 2, wantMax: 2, m: 2},
		{name: "mixed", data: []float32{-1, 0, 4}, wantMin: -1, wantMax: 4, m: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, mean := TensorStats(tt.data)
			if lo != tt.wantMin || hi != tt.wantMax || mean != tt.m {
				t.Errorf("TensorStats() = (%v, %v, %v), want (%v, %v, %v)", lo, hi, mean, tt.wantMin, tt.wantMax, tt.m)
			}
		})
	}
}

func TestTensorElementsEmptyShape(t *testing.T) {
	if n := (Tensor{}).Elements(); n != 0 {
		t.Fatalf("Elements() of empty shape = %d, want 0", n)
	}
}
