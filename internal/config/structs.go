//nolint:lll
package config

// Config represents the complete configuration for the imgclass service.
// It is shared by all commands (serve, predict, check, config) and supports
// loading from configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Model and runtime
	Model ModelConfig `mapstructure:"model" yaml:"model" json:"model"`

	// Class table
	Labels LabelsConfig `mapstructure:"labels" yaml:"labels" json:"labels"`

	// Input tensor preparation
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`

	// Result shaping
	Classify ClassifyConfig `mapstructure:"classify" yaml:"classify" json:"classify"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client request limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int  `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int  `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}

// ModelConfig contains model and ONNX Runtime settings.
type ModelConfig struct {
	// Path to the .onnx file; relative names are resolved against models_dir.
	Path        string    `mapstructure:"path" yaml:"path" json:"path"`
	LibraryPath string    `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	NumThreads  int       `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	PoolSize    int       `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	GPU         GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// LabelsConfig contains class table settings.
type LabelsConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	// Required makes a missing or unreadable class table fatal at startup.
	Required bool `mapstructure:"required" yaml:"required" json:"required"`
}

// PreprocessConfig describes the model input geometry and normalization.
type PreprocessConfig struct {
	Width      int       `mapstructure:"width" yaml:"width" json:"width"`
	Height     int       `mapstructure:"height" yaml:"height" json:"height"`
	Channels   int       `mapstructure:"channels" yaml:"channels" json:"channels"`
	Mean       []float32 `mapstructure:"mean" yaml:"mean" json:"mean"`
	Std        []float32 `mapstructure:"std" yaml:"std" json:"std"`
	Filter     string    `mapstructure:"filter" yaml:"filter" json:"filter"`
	ExpandGray bool      `mapstructure:"expand_gray" yaml:"expand_gray" json:"expand_gray"`
	// MaxPixels rejects sources whose width*height exceeds it before decoding. 0 disables the cap.
	MaxPixels int `mapstructure:"max_pixels" yaml:"max_pixels" json:"max_pixels"`
}

// ClassifyConfig contains result shaping settings.
type ClassifyConfig struct {
	TopN    int  `mapstructure:"top_n" yaml:"top_n" json:"top_n"`
	MaxTopN int  `mapstructure:"max_top_n" yaml:"max_top_n" json:"max_top_n"`
	Softmax bool `mapstructure:"softmax" yaml:"softmax" json:"softmax"`
}
