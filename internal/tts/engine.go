package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// EngineOptions configures the AivisSpeech/VOICEVOX compatible client.
type EngineOptions struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Engine talks to an AivisSpeech/VOICEVOX compatible HTTP engine.
type Engine struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("tts engine endpoint empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse tts endpoint: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Engine{
		endpoint: endpoint,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
	}, nil
}

// Synthesize runs audio_query then synthesis and returns WAV bytes.
func (e *Engine) Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error) {
	speaker := strconv.Itoa(params.SpeakerID)

	query := url.Values{}
	query.Set("text", text)
	query.Set("speaker", speaker)
	raw, err := e.do(ctx, http.MethodPost, "/audio_query", query, nil)
	if err != nil {
		return nil, fmt.Errorf("audio_query: %w", err)
	}

	// Decode into a generic map so fields this client does not know survive.
	var audioQuery map[string]any
	if err := json.Unmarshal(raw, &audioQuery); err != nil {
		return nil, fmt.Errorf("%w: decode audio_query: %v", ErrBadRequest, err)
	}
	applyParams(audioQuery, params)
	body, err := json.Marshal(audioQuery)
	if err != nil {
		return nil, err
	}

	query = url.Values{}
	query.Set("speaker", speaker)
	query.Set("enable_interrogative_upspeak", "true")
	audio, err := e.do(ctx, http.MethodPost, "/synthesis", query, body)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	return audio, nil
}

func applyParams(q map[string]any, p VoiceParams) {
	q["volumeScale"] = p.Volume
	q["pitchScale"] = p.Pitch
	q["speedScale"] = p.Speed
	q["intonationScale"] = p.StyleStrength
	q["tempoDynamicsScale"] = p.Tempo
}

func (e *Engine) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	target := e.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: engine returned status %s", ErrNetwork, resp.Status)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: engine returned status %s: %s", ErrBadRequest, resp.Status, truncateBody(data))
	}
	return data, nil
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
