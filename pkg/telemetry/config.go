package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry setup of one projup process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Sink    SinkConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file path.
	Output string

	EnableCaller bool

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector, e.g. "localhost:4317".
	Endpoint string `validate:"required_if=Enabled true Exporter otlp"`

	SamplingRate       float64 `validate:"min=0,max=1"`
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP while a command runs. Empty
	// disables the server while still collecting.
	ListenAddress string
	Path          string
	Namespace     string

	// TextfilePath, when set, receives a node-exporter textfile dump at exit.
	TextfilePath string

	DefaultHistogramBuckets []float64
}

// SinkConfig configures the progress sink.
type SinkConfig struct {
	// BufferSize is the number of lines queued for the drain goroutine
	// before console echo starts dropping.
	BufferSize int `validate:"gt=0"`
}

var validate = validator.New()

// DefaultConfig returns console logging at info, no tracing and collected
// but unserved metrics.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "projup",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "projup",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 10, 30},
		},
		Sink: SinkConfig{BufferSize: 1024},
	}
}

// DevelopmentConfig returns a configuration with debug logging and stdout traces.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
