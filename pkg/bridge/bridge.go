// Package bridge ties one inbound HTTP request to one leased upstream
// session and its task protocol driver, converting binary audio frames into
// chunked response bytes. It owns the termination logic: completion, upstream
// failure, timeout, and client disconnect all funnel into a single teardown.
package bridge

import (
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/voicebridge/tts-sidecar/pkg/dashscope"
	"github.com/voicebridge/tts-sidecar/pkg/metrics"
	"github.com/voicebridge/tts-sidecar/pkg/pool"
	"github.com/voicebridge/tts-sidecar/pkg/trace"
)

const defaultRequestTimeout = 30 * time.Second

// Defaults are the synthesis parameters applied when a query parameter is
// absent or unparsable.
type Defaults struct {
	Model      string
	Voice      string
	Format     string
	SampleRate int
	Volume     int
	Rate       float64
	Pitch      float64
}

// Bridge handles GET /tts. One instance serves all requests.
type Bridge struct {
	pool      *pool.Pool
	defaults  Defaults
	timeout   time.Duration
	collector *metrics.Collector
}

// New creates a bridge over the given session pool.
func New(p *pool.Pool, defaults Defaults, timeout time.Duration, collector *metrics.Collector) *Bridge {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Bridge{
		pool:      p,
		defaults:  defaults,
		timeout:   timeout,
		collector: collector,
	}
}

// ServeHTTP bridges one synthesis request end-to-end.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		http.Error(w, "missing text", http.StatusBadRequest)
		return
	}

	params := b.resolveParams(r.URL.Query())

	ctx, span := trace.StartSpan(r.Context(), "bridge.synthesize")
	defer span.End()

	b.collector.RequestStarted(ctx)
	start := time.Now()
	status := http.StatusOK
	defer func() {
		b.collector.RequestFinished(ctx, status, time.Since(start))
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("tts.format", params.Format),
		)
	}()

	w.Header().Set("Content-Type", contentTypeFor(params.Format))
	w.Header().Set("Cache-Control", "no-store")

	sess, err := b.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away while waiting for a slot.
			return
		}
		log.Printf("[Bridge] acquire failed: %v", err)
		status = http.StatusInternalServerError
		http.Error(w, "upstream session unavailable", status)
		return
	}

	syn := dashscope.NewSynthesizer(sess, text, params)
	if err := syn.Start(); err != nil {
		log.Printf("[Bridge] start task failed: %v", err)
		b.pool.Release(sess)
		status = http.StatusInternalServerError
		http.Error(w, "failed to start synthesis", status)
		return
	}

	timer := time.NewTimer(b.timeout)
	flusher, _ := w.(http.Flusher)
	wrote := false

	writeChunk := func(chunk []byte) {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
	}

stream:
	for {
		select {
		case chunk := <-syn.Audio():
			writeChunk(chunk)

		case err := <-syn.Done():
			// Frames already demultiplexed ahead of the terminal event must
			// still reach the client, in order.
			for {
				select {
				case chunk := <-syn.Audio():
					writeChunk(chunk)
					continue
				default:
				}
				break
			}
			if err != nil {
				status = http.StatusBadGateway
			}
			break stream

		case <-timer.C:
			status = http.StatusGatewayTimeout
			break stream

		case <-ctx.Done():
			// Client disconnect: keep whatever status was already set.
			break stream
		}
	}

	// Teardown. The select loop exits exactly once, so each side effect below
	// runs exactly once per request.
	timer.Stop()
	syn.Detach()
	if syn.Terminal() {
		b.pool.Release(sess)
	} else {
		// Abandoned mid-task; the session may still emit frames for it.
		b.pool.Discard(sess)
	}
	if !wrote && status != http.StatusOK {
		w.Header().Del("Content-Type")
		http.Error(w, http.StatusText(status), status)
	}
}

func (b *Bridge) resolveParams(q url.Values) dashscope.SynthesisParams {
	format := q.Get("format")
	switch format {
	case "mp3", "wav", "pcm":
	default:
		format = b.defaults.Format
	}
	return dashscope.SynthesisParams{
		Model:      b.defaults.Model,
		Voice:      stringParam(q, "voice", b.defaults.Voice),
		Format:     format,
		SampleRate: intParam(q, "sampleRate", b.defaults.SampleRate),
		Volume:     intParam(q, "volume", b.defaults.Volume),
		Rate:       floatParam(q, "rate", b.defaults.Rate),
		Pitch:      floatParam(q, "pitch", b.defaults.Pitch),
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/L16"
	default:
		return "audio/mpeg"
	}
}

func stringParam(q url.Values, key, fallback string) string {
	if v := q.Get(key); v != "" {
		return v
	}
	return fallback
}

func intParam(q url.Values, key string, fallback int) int {
	if v := q.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatParam(q url.Values, key string, fallback float64) float64 {
	if v := q.Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
