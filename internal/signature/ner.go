package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultNEREndpoint       = "http://127.0.0.1:8855"
	DefaultNERRequestTimeout = 20 * time.Second
)

type readinessState int

const (
	stateUninitialized readinessState = iota
	stateReady
	stateUnavailable
)

// HTTPRecognizer calls an external NER sidecar exposing POST /ner with a
// {"text": ...} body and a bucketed entity response. Readiness is probed
// lazily on first use and cached, so an unavailable backend is observable
// ahead of recognition calls.
type HTTPRecognizer struct {
	endpoint   string
	httpClient *http.Client

	mu       sync.Mutex
	state    readinessState
	stateErr error
}

type nerRequest struct {
	Text string `json:"text"`
}

func NewHTTPRecognizer(endpoint string, timeout time.Duration) *HTTPRecognizer {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultNEREndpoint
	}
	if timeout <= 0 {
		timeout = DefaultNERRequestTimeout
	}
	return &HTTPRecognizer{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Ready probes the backend health endpoint. The answer is cached: once the
// backend is marked unavailable it stays so for the recognizer's lifetime.
func (r *HTTPRecognizer) Ready(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("ner recognizer is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateReady:
		return nil
	case stateUnavailable:
		return r.stateErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/healthz", nil)
	if err != nil {
		r.state = stateUnavailable
		r.stateErr = fmt.Errorf("build ner health request: %w", err)
		return r.stateErr
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.state = stateUnavailable
		r.stateErr = fmt.Errorf("ner backend unreachable at %s: %w", r.endpoint, err)
		return r.stateErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.state = stateUnavailable
		r.stateErr = fmt.Errorf("ner backend health status %d", resp.StatusCode)
		return r.stateErr
	}

	r.state = stateReady
	r.stateErr = nil
	return nil
}

// Recognize extracts entities from text. An unavailable backend returns an
// error; the signature builder turns that into the all-empty signature.
func (r *HTTPRecognizer) Recognize(ctx context.Context, text string) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("ner recognizer is nil")
	}
	if err := r.Ready(ctx); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	body, err := json.Marshal(nerRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("marshal ner request: %w", err)
	}

	requestURL, err := url.JoinPath(r.endpoint, "ner")
	if err != nil {
		return Result{}, fmt.Errorf("build ner url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build ner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ner request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read ner response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("ner backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed Result
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode ner response: %w", err)
	}
	return parsed, nil
}
