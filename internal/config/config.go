package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/models"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	pre := preprocess.DefaultOptions()
	cls := classify.DefaultOptions()
	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Verbose:   false,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			CORSOrigin:      "http://localhost:8080",
			MaxUploadMB:     5,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
			},
		},
		Model: ModelConfig{
			Path:       models.DefaultModelFile,
			NumThreads: 0,
			PoolSize:   1,
			GPU: GPUConfig{
				Enabled:     false,
				Device:      0,
				MemoryLimit: "auto",
			},
		},
		Labels: LabelsConfig{
			Path:     models.DefaultLabelsFile,
			Required: false,
		},
		Preprocess: PreprocessConfig{
			Width:     pre.Width,
			Height:    pre.Height,
			Channels:  pre.Channels,
			Mean:      pre.Mean,
			Std:       pre.Std,
			Filter:    pre.Filter,
			MaxPixels: pre.MaxPixels,
		},
		Classify: ClassifyConfig{
			TopN:    cls.TopN,
			MaxTopN: cls.MaxTopN,
			Softmax: cls.Softmax,
		},
	}
}

// Validate validates the configuration and returns the first problem found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %d (must not be negative)", c.Server.ShutdownTimeout)
	}
	rl := c.Server.RateLimit
	if rl.RequestsPerMinute < 0 || rl.RequestsPerHour < 0 || rl.MaxRequestsPerDay < 0 || rl.MaxDataPerDayMB < 0 {
		return errors.New("invalid rate limit: limits must not be negative")
	}

	if c.Model.Path == "" {
		return errors.New("model.path must be set")
	}
	if c.Model.NumThreads < 0 {
		return fmt.Errorf("invalid model num_threads: %d (must not be negative)", c.Model.NumThreads)
	}
	if c.Model.PoolSize <= 0 {
		return fmt.Errorf("invalid model pool_size: %d (must be positive)", c.Model.PoolSize)
	}
	if c.Model.GPU.Enabled && c.Model.GPU.Device < 0 {
		return fmt.Errorf("invalid GPU device: %d (must not be negative)", c.Model.GPU.Device)
	}
	if err := validateMemoryLimit(c.Model.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}

	if err := c.ToPreprocessOptions().Validate(); err != nil {
		return fmt.Errorf("invalid preprocess settings: %w", err)
	}

	if c.Classify.TopN <= 0 {
		return fmt.Errorf("invalid classify top_n: %d (must be positive)", c.Classify.TopN)
	}
	if c.Classify.MaxTopN < 0 {
		return fmt.Errorf("invalid classify max_top_n: %d (must not be negative)", c.Classify.MaxTopN)
	}
	if c.Classify.MaxTopN > 0 && c.Classify.TopN > c.Classify.MaxTopN {
		return fmt.Errorf("classify top_n %d exceeds max_top_n %d", c.Classify.TopN, c.Classify.MaxTopN)
	}

	return nil
}

// ModelPath returns the model file path resolved against the models directory.
func (c *Config) ModelPath() string {
	return models.ResolvePath(c.ModelsDir, c.Model.Path)
}

// LabelsPath returns the class table path resolved against the models directory,
// or "" when no table is configured.
func (c *Config) LabelsPath() string {
	if c.Labels.Path == "" {
		return ""
	}
	return models.ResolvePath(c.ModelsDir, c.Labels.Path)
}

// ToPreprocessOptions converts the config to preprocessing options.
func (c *Config) ToPreprocessOptions() preprocess.Options {
	return preprocess.Options{
		Width:      c.Preprocess.Width,
		Height:     c.Preprocess.Height,
		Channels:   c.Preprocess.Channels,
		Mean:       append([]float32(nil), c.Preprocess.Mean...),
		Std:        append([]float32(nil), c.Preprocess.Std...),
		Filter:     c.Preprocess.Filter,
		ExpandGray: c.Preprocess.ExpandGray,
		MaxPixels:  c.Preprocess.MaxPixels,
	}
}

// ToEngineConfig converts the config to ONNX session settings.
func (c *Config) ToEngineConfig() onnx.Config {
	limit, _ := parseMemoryLimit(c.Model.GPU.MemoryLimit)
	return onnx.Config{
		ModelPath:   c.ModelPath(),
		LibraryPath: c.Model.LibraryPath,
		NumThreads:  c.Model.NumThreads,
		PoolSize:    c.Model.PoolSize,
		GPU: onnx.GPUConfig{
			UseGPU:      c.Model.GPU.Enabled,
			DeviceID:    c.Model.GPU.Device,
			GPUMemLimit: limit,
		},
	}
}

// ToClassifyOptions converts the config to result shaping options.
func (c *Config) ToClassifyOptions() classify.Options {
	return classify.Options{
		TopN:    c.Classify.TopN,
		MaxTopN: c.Classify.MaxTopN,
		Softmax: c.Classify.Softmax,
	}
}

// validateMemoryLimit validates GPU memory limit format (e.g., "1GB", "512MB").
func validateMemoryLimit(limit string) error {
	_, err := parseMemoryLimit(limit)
	return err
}

// parseMemoryLimit converts "512MB" style limits to bytes. "" and "auto" mean no limit.
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(limit))
	units := []struct {
		suffix string
		mult   float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, u.suffix), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.mult), nil
	}
	return 0, errors.New("memory limit must end with one of: B, KB, MB, GB")
}
