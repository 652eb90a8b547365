package telemetry

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `yaml:"time_format"`
}

// DefaultLoggingConfig returns the logging defaults: info-level console
// output on stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected. When false, every
	// recording call is a no-op.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `yaml:"namespace"`

	// DurationBuckets are the histogram buckets for operation
	// durations, in seconds.
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// DefaultMetricsConfig returns the metrics defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "windlass",
	}
}
