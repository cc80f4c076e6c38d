// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full environment-sourced configuration.
type Config struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	AuthSecret string `env:"SIDECAR_AUTH_SECRET"`

	// APIKey authenticates against DashScope. The process refuses to start
	// without it.
	APIKey     string `env:"DASHSCOPE_API_KEY"`
	WSEndpoint string `env:"DASHSCOPE_WS_URL" envDefault:"wss://dashscope.aliyuncs.com/api-ws/v1/inference/"`

	Model      string  `env:"TTS_MODEL" envDefault:"cosyvoice-v1"`
	Voice      string  `env:"TTS_VOICE" envDefault:"longxiaochun"`
	Format     string  `env:"TTS_FORMAT" envDefault:"mp3"`
	SampleRate int     `env:"TTS_SAMPLE_RATE" envDefault:"22050"`
	Rate       float64 `env:"TTS_RATE" envDefault:"1.0"`
	Pitch      float64 `env:"TTS_PITCH" envDefault:"1.0"`
	Volume     int     `env:"TTS_VOLUME" envDefault:"50"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	PoolCapacity   int           `env:"POOL_CAPACITY" envDefault:"2"`

	TraceExporter string `env:"TRACE_EXPORTER" envDefault:"none"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return errors.New("DASHSCOPE_API_KEY is required")
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("POOL_CAPACITY must be positive, got %d", c.PoolCapacity)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	switch c.Format {
	case "mp3", "wav", "pcm":
	default:
		return fmt.Errorf("TTS_FORMAT must be mp3, wav or pcm, got %q", c.Format)
	}
	return nil
}
