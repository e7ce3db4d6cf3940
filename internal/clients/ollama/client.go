package ollama

import (
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

	"github.com/sony/gobreaker"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/agent/concept"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/breaker"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Response is the non-streaming /api/generate reply.
type Response struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

type Client struct {
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
}

func NewClient(cfg config.LLMConfig, cb *gobreaker.CircuitBreaker) *Client {
	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: cb,
	}
}

// Complete sends prompt and returns the raw model output. 4xx replies other
// than 429 are permanent.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}

	reqData, err := json.Marshal(reqBody)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}

	return result.Response, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ErrPoolClosed is returned by Get once the pool has been closed.
var ErrPoolClosed = errors.New("ollama client pool closed")

// ClientPool bounds concurrent requests to the model server.
type ClientPool struct {
	clients chan *Client
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewClientPool(cfg config.LLMConfig, cb *gobreaker.CircuitBreaker) *ClientPool {
	size := cfg.MaxPoolSize
	if size <= 0 {
		size = 1
	}
	pool := &ClientPool{
		clients: make(chan *Client, size),
		timeout: cfg.PoolTimeout,
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		pool.clients <- NewClient(cfg, cb)
	}
	return pool
}

func (p *ClientPool) Get(ctx context.Context) (*Client, error) {
	select {
	case <-p.done:
		return nil, retry.Permanent(ErrPoolClosed)
	default:
	}

	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case client := <-p.clients:
		return client, nil
	case <-p.done:
		return nil, retry.Permanent(ErrPoolClosed)
	case <-timeout:
		return nil, fmt.Errorf("timeout waiting for available client")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns client to the pool. Clients handed back after Close are
// released instead.
func (p *ClientPool) Put(client *Client) {
	select {
	case <-p.done:
		client.Close()
		return
	default:
	}
	select {
	case p.clients <- client:
	default:
		client.Close()
	}
}

// Close releases idle clients. It is safe to call more than once and while
// requests are in flight.
func (p *ClientPool) Close() error {
	p.once.Do(func() {
		close(p.done)
		for {
			select {
			case client := <-p.clients:
				client.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Generator drafts recipes with an Ollama model.
type Generator struct {
	pool   *ClientPool
	logger logger.Logger
}

var _ concept.Generator = (*Generator)(nil)

func NewGenerator(cfg config.LLMConfig, log logger.Logger) *Generator {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("ollama")
	return &Generator{
		pool:   NewClientPool(cfg, breaker.New("ollama", log)),
		logger: log,
	}
}

func (g *Generator) Generate(ctx context.Context, prompt string, _ models.TargetConstraints, count int) ([]models.RecipeDraft, error) {
	client, err := g.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer g.pool.Put(client)

	text, err := client.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	drafts, err := ParseRecipes(text)
	if err != nil {
		g.logger.Warn("Model returned unparseable output",
			logger.Int("length", len(text)),
			logger.Error(err),
		)
		return nil, err
	}
	g.logger.Debug("Recipes generated",
		logger.Int("requested", count),
		logger.Int("received", len(drafts)),
	)
	return drafts, nil
}

func (g *Generator) Close() error {
	return g.pool.Close()
}

// ParseRecipes accepts {"recipes":[...]} or a bare array, optionally wrapped
// in a markdown code fence.
func ParseRecipes(text string) ([]models.RecipeDraft, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "[") {
		var drafts []models.RecipeDraft
		if err := json.Unmarshal([]byte(text), &drafts); err != nil {
			return nil, fmt.Errorf("%w: %v", concept.ErrMalformedResponse, err)
		}
		return drafts, nil
	}

	var wrapped struct {
		Recipes []models.RecipeDraft `json:"recipes"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", concept.ErrMalformedResponse, err)
	}
	if wrapped.Recipes == nil {
		return nil, fmt.Errorf("%w: no recipes field", concept.ErrMalformedResponse)
	}
	return wrapped.Recipes, nil
}
