package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// OllamaConfig configures the Ollama generation provider.
type OllamaConfig struct {
	Host            string
	Model           string
	Timeout         time.Duration // short calls (availability check)
	GenerateTimeout time.Duration // long generations
	PoolSize        int
}

// ollamaGenerateRequest is the /api/generate request payload.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateResponse is one line of the /api/generate response.
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaLLM generates text via Ollama's HTTP API on loopback.
type OllamaLLM struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu     sync.Mutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Provider = (*OllamaLLM)(nil)

// NewOllamaLLM creates a new Ollama generation provider.
func NewOllamaLLM(cfg OllamaConfig) *OllamaLLM {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     30 * time.Second,
	}

	return &OllamaLLM{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

// Generate produces a complete response for the prompt.
func (p *OllamaLLM) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.GenerateTimeout)
	defer cancel()

	resp, err := p.doGenerate(reqCtx, req, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", verrors.ProviderUnavailable("failed to decode generation response", err)
	}

	return result.Response, nil
}

// Stream produces the response incrementally as NDJSON lines arrive.
func (p *OllamaLLM) Stream(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.GenerateTimeout)

	resp, err := p.doGenerate(reqCtx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var line ollamaGenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if line.Response != "" {
				select {
				case out <- line.Response:
				case <-reqCtx.Done():
					return
				}
			}
			if line.Done {
				return
			}
		}
	}()

	return out, nil
}

// doGenerate issues the HTTP request shared by Generate and Stream.
func (p *OllamaLLM) doGenerate(ctx context.Context, req GenerateRequest, stream bool) (*http.Response, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("llm provider is closed")
	}
	p.mu.Unlock()

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   p.config.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  stream,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, verrors.RequestTimeout("generation request timed out", err)
		}
		return nil, verrors.ProviderUnavailable("generation request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, verrors.ProviderUnavailable(
			fmt.Sprintf("generation failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}

	return resp, nil
}

// ModelName returns the model identifier.
func (p *OllamaLLM) ModelName() string {
	return p.config.Model
}

// Available checks whether the endpoint responds.
func (p *OllamaLLM) Available(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases resources.
func (p *OllamaLLM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
	return nil
}
