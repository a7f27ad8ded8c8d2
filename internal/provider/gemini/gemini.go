package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/provider"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.5-flash"

	maxLineSize  = 4 << 20
	maxErrorBody = 64 << 10
)

// KeySource resolves the API key at call time.
type KeySource interface {
	Get(ctx context.Context) (string, error)
}

type Provider struct {
	keys    KeySource
	baseURL string
	model   string
	client  *http.Client
}

func New(keys KeySource, baseURL, model string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		keys:    keys,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  client,
	}
}

func (p *Provider) ID() string {
	return "gemini"
}

func (p *Provider) Name() string {
	return "Gemini API"
}

func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) Configured(ctx context.Context) error {
	_, err := p.apiKey(ctx)
	return err
}

func (p *Provider) apiKey(ctx context.Context) (string, error) {
	if p.keys == nil {
		return "", domain.ErrProviderNotConfigured
	}
	key, err := p.keys.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderNotConfigured, err)
	}
	if key == "" {
		return "", domain.ErrProviderNotConfigured
	}
	return key, nil
}

// upstreamRequest is the streamGenerateContent body. Optional fields are
// left out entirely when the caller did not supply them.
type upstreamRequest struct {
	Contents          []domain.Content         `json:"contents"`
	GenerationConfig  *domain.GenerationConfig `json:"generationConfig,omitempty"`
	Tools             json.RawMessage          `json:"tools,omitempty"`
	ToolConfig        json.RawMessage          `json:"toolConfig,omitempty"`
	SystemInstruction *domain.Content          `json:"systemInstruction,omitempty"`
}

func toUpstreamRequest(req domain.GenerationRequest) upstreamRequest {
	return upstreamRequest{
		Contents:          req.Contents,
		GenerationConfig:  req.GenerationConfig,
		Tools:             present(req.Tools),
		ToolConfig:        present(req.ToolConfig),
		SystemInstruction: req.SystemInstruction,
	}
}

// present drops explicit JSON nulls so they are omitted rather than sent.
func present(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}

func (p *Provider) streamURL() string {
	return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, url.PathEscape(p.model))
}

func (p *Provider) StreamGenerate(ctx context.Context, req domain.GenerationRequest) (provider.Stream, error) {
	key, err := p.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(toUpstreamRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.streamURL(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: do request: %v", domain.ErrProviderError, err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: gemini status=%d body=%s", domain.ErrProviderError, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	return provider.Start(ctx, cancel, domain.UsageCumulative, func(ctx context.Context, emit provider.EmitFunc) error {
		defer resp.Body.Close()
		return readEvents(ctx, resp.Body, emit)
	}), nil
}

func readEvents(ctx context.Context, r io.Reader, emit provider.EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		chunk, err := decodeEvent([]byte(data))
		if err != nil {
			return err
		}

		if !emit(chunk) {
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read stream: %v", domain.ErrProviderError, err)
	}
	return nil
}

// streamError is the envelope Gemini sends in place of a chunk when the
// generation fails after the response has started.
type streamError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func decodeEvent(data []byte) (domain.GenerationChunk, error) {
	var envelope streamError
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.GenerationChunk{}, fmt.Errorf("%w: malformed gemini event: %v", domain.ErrProviderError, err)
	}
	if e := envelope.Error; e != nil {
		return domain.GenerationChunk{}, fmt.Errorf("%w: gemini stream error code=%d status=%s: %s", domain.ErrProviderError, e.Code, e.Status, e.Message)
	}

	var chunk domain.GenerationChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.GenerationChunk{}, fmt.Errorf("%w: malformed gemini event: %v", domain.ErrProviderError, err)
	}
	return chunk, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	key, err := p.apiKey(ctx)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1beta/models/%s", p.baseURL, url.PathEscape(p.model)), http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}
