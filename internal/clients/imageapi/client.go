package imageapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/agent/imagegen"
	"github.com/feichai0017/recipe-pipeline/pkg/breaker"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// maxImageBytes caps downloads from the temporary URL.
const maxImageBytes = 20 << 20

// Provider implements image generation via an OpenAI-compatible API.
// Expected endpoint: POST {baseURL}/images/generations
// Expected response: {"data":[{"b64_json":"..."}]} or {"data":[{"url":"https://..."}]}
type Provider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	size    string
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

var _ imagegen.Generator = (*Provider)(nil)

func NewProvider(cfg config.ImageGenConfig, log logger.Logger) *Provider {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("imageapi")
	model := cfg.Model
	if model == "" {
		model = "gpt-image-1"
	}
	return &Provider{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		size:    cfg.Size,
		breaker: breaker.New("imageapi", log),
		logger:  log,
	}
}

func (p *Provider) Generate(ctx context.Context, prompt string) (*imagegen.Image, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	return out.(*imagegen.Image), nil
}

func (p *Provider) generate(ctx context.Context, prompt string) (*imagegen.Image, error) {
	url := fmt.Sprintf("%s/images/generations", p.baseURL)

	payload := map[string]interface{}{
		"model":  p.model,
		"prompt": prompt,
		"n":      1,
	}
	if p.size != "" {
		payload["size"] = p.size
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call image API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("image API returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var result struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode image API response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("image API returned no image")
	}

	d := result.Data[0]
	switch {
	case d.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image payload: %w", err)
		}
		return &imagegen.Image{Data: data, ContentType: http.DetectContentType(data)}, nil
	case strings.TrimSpace(d.URL) != "":
		return p.download(ctx, d.URL)
	default:
		return nil, fmt.Errorf("image API returned neither data nor URL")
	}
}

func (p *Provider) download(ctx context.Context, url string) (*imagegen.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create download request: %w", err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &imagegen.Image{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         url,
	}, nil
}
