package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	onnxrt "github.com/yalue/onnxruntime_go"
)

const (
	osLinux    = "linux"
	osDarwin   = "darwin"
	osWindows  = "windows"
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

// GPUConfig holds CUDA execution provider settings.
type GPUConfig struct {
	UseGPU      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	DeviceID    int    `mapstructure:"device" yaml:"device" json:"device"`
	GPUMemLimit uint64 `mapstructure:"mem_limit" yaml:"mem_limit" json:"mem_limit"` // bytes, 0 = unlimited
}

// DefaultGPUConfig returns a CPU-only configuration.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{UseGPU: false, DeviceID: 0, GPUMemLimit: 0}
}

// ValidateGPUConfig checks if the GPU configuration is valid.
func ValidateGPUConfig(cfg GPUConfig) error {
	if !cfg.UseGPU {
		return nil
	}
	if cfg.DeviceID < 0 {
		return fmt.Errorf("device ID must be non-negative, got %d", cfg.DeviceID)
	}
	return nil
}

// configureGPU appends the CUDA provider to opts when requested.
func configureGPU(opts *onnxrt.SessionOptions, cfg GPUConfig) error {
	if !cfg.UseGPU {
		return nil
	}

	cudaOpts, err := onnxrt.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("failed to create CUDA provider options (GPU may not be available): %w", err)
	}
	defer func() {
		if err := cudaOpts.Destroy(); err != nil {
			slog.Warn("Failed to destroy CUDA provider options", "error", err)
		}
	}()

	settings := map[string]string{
		"device_id": strconv.Itoa(cfg.DeviceID),
	}
	if cfg.GPUMemLimit > 0 {
		settings["gpu_mem_limit"] = strconv.FormatUint(cfg.GPUMemLimit, 10)
	}
	if err := cudaOpts.Update(settings); err != nil {
		return fmt.Errorf("failed to update CUDA provider options: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return fmt.Errorf("failed to append CUDA execution provider: %w", err)
	}
	return nil
}

// getLibraryName returns the shared library filename for the current OS.
func getLibraryName() (string, error) {
	switch runtime.GOOS {
	case osLinux:
		return libLinux, nil
	case osDarwin:
		return libDarwin, nil
	case osWindows:
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// systemLibraryPaths lists well-known install locations, GPU builds first when requested.
func systemLibraryPaths(useGPU bool) []string {
	paths := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
	}
	if useGPU {
		return append([]string{"/opt/onnxruntime/gpu/lib/libonnxruntime.so"}, paths...)
	}
	return paths
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find project root")
		}
		dir = parent
	}
}

// ResolveLibraryPath locates the ONNX Runtime shared library. An explicit path
// wins; otherwise system locations and then <project>/onnxruntime/lib are tried.
func ResolveLibraryPath(explicit string, useGPU bool) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("ONNX Runtime library not found at %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, p := range systemLibraryPaths(useGPU) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	root, err := findProjectRoot()
	if err != nil {
		return "", err
	}
	libName, err := getLibraryName()
	if err != nil {
		return "", err
	}
	if useGPU {
		p := filepath.Join(root, "onnxruntime", "gpu", "lib", libName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	p := filepath.Join(root, "onnxruntime", "lib", libName)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("ONNX Runtime library not found at %s", p)
	}
	return p, nil
}

var envMu sync.Mutex

// InitializeRuntime points onnxruntime_go at the shared library and initializes
// the process-wide environment if that has not happened yet.
func InitializeRuntime(libraryPath string, useGPU bool) error {
	envMu.Lock()
	defer envMu.Unlock()

	if onnxrt.IsInitialized() {
		return nil
	}
	lib, err := ResolveLibraryPath(libraryPath, useGPU)
	if err != nil {
		return fmt.Errorf("onnx lib path: %w", err)
	}
	onnxrt.SetSharedLibraryPath(lib)
	if err := onnxrt.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx: %w", err)
	}
	slog.Debug("ONNX Runtime initialized", "library", lib)
	return nil
}

// ShutdownRuntime destroys the process-wide environment.
func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !onnxrt.IsInitialized() {
		return nil
	}
	return onnxrt.DestroyEnvironment()
}
