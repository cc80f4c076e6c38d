package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicebridge/tts-sidecar/pkg/bridge"
	"github.com/voicebridge/tts-sidecar/pkg/config"
	"github.com/voicebridge/tts-sidecar/pkg/dashscope"
	"github.com/voicebridge/tts-sidecar/pkg/metrics"
	"github.com/voicebridge/tts-sidecar/pkg/pool"
	"github.com/voicebridge/tts-sidecar/pkg/server"
	"github.com/voicebridge/tts-sidecar/pkg/trace"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := trace.Initialize(ctx, trace.Config{
		ServiceName:  "tts-sidecar",
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}); err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			log.Printf("trace shutdown: %v", err)
		}
	}()

	collector, metricsHandler, err := metrics.Setup()
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	sessions := pool.New(pool.Config{
		Capacity: cfg.PoolCapacity,
		Session: dashscope.SessionConfig{
			URL:    cfg.WSEndpoint,
			APIKey: cfg.APIKey,
		},
	})
	defer sessions.Close()

	if err := collector.ObservePool(func() (int, int) {
		stats := sessions.Stats()
		return stats.Live, stats.Leased
	}); err != nil {
		log.Fatalf("metrics: %v", err)
	}

	b := bridge.New(sessions, bridge.Defaults{
		Model:      cfg.Model,
		Voice:      cfg.Voice,
		Format:     cfg.Format,
		SampleRate: cfg.SampleRate,
		Volume:     cfg.Volume,
		Rate:       cfg.Rate,
		Pitch:      cfg.Pitch,
	}, cfg.RequestTimeout, collector)

	srv := server.New(server.Config{
		Port:       cfg.Port,
		AuthSecret: cfg.AuthSecret,
	}, b, sessions, collector, metricsHandler)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
