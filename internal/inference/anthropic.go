package inference

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/ratelimit"
	"github.com/sells-group/account-intel/internal/resilience"
	"github.com/sells-group/account-intel/pkg/anthropic"
)

const jsonSystemPrompt = "You are a data extraction service for a healthcare sales team. " +
	"Respond with a single JSON object and nothing else. Do not use markdown fences."

// Options configures an AnthropicGateway.
type Options struct {
	Model       string
	MaxTokens   int64
	Timeout     time.Duration
	RPS         float64
	Burst       int
	Retry       resilience.Policy
	QuotaLimit  int
	QuotaWindow time.Duration
}

// AnthropicGateway implements Gateway on the Anthropic Messages API.
type AnthropicGateway struct {
	client  anthropic.Client
	limiter *ratelimit.Limiter
	pacer   *rate.Limiter
	breaker *resilience.Breaker
	opts    Options
}

// NewAnthropic builds a gateway around client. limiter may be nil to skip
// the quota check.
func NewAnthropic(client anthropic.Client, limiter *ratelimit.Limiter, opts Options) *AnthropicGateway {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetries("inference", "create_message")
	}
	return &AnthropicGateway{
		client:  client,
		limiter: limiter,
		pacer:   pacer,
		breaker: resilience.NewBreaker("anthropic", 5, 30*time.Second,
			resilience.WithFailureFilter(countsAgainstProvider)),
		opts: opts,
	}
}

// NewFromConfig builds the production gateway. It fails fast without an
// API key.
func NewFromConfig(cfg config.AnthropicConfig, rl config.RateLimitConfig, limiter *ratelimit.Limiter) (*AnthropicGateway, error) {
	if cfg.Key == "" {
		return nil, eris.New("inference: anthropic.key is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	retry := resilience.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	return NewAnthropic(anthropic.NewClient(cfg.Key, timeout), limiter, Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     timeout,
		RPS:         cfg.RPS,
		Burst:       cfg.Burst,
		Retry:       retry,
		QuotaLimit:  rl.InferenceLimit,
		QuotaWindow: time.Duration(rl.InferenceWindowMs) * time.Millisecond,
	}), nil
}

func countsAgainstProvider(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNoOutput)
}

// Infer implements Gateway.
func (g *AnthropicGateway) Infer(ctx context.Context, prompt string, format Format) (string, error) {
	caller := Caller(ctx)

	if g.limiter != nil {
		key := "inference:" + caller
		d := g.limiter.Check(ctx, key, g.opts.QuotaLimit, g.opts.QuotaWindow)
		if !d.Allowed {
			return "", &QuotaError{Key: key, ResetAt: d.ResetAt}
		}
	}

	if err := g.pacer.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "inference: wait for pacer")
	}

	req := anthropic.MessageRequest{
		Model:       g.opts.Model,
		MaxTokens:   g.opts.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: new(float64),
	}
	if format == FormatJSONObject {
		req.System = jsonSystemPrompt
	}

	resp, err := resilience.Call(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Retry(ctx, g.opts.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return g.attempt(ctx, req)
		})
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", eris.Wrap(ErrUnavailable, "inference: circuit open")
	}
	if err != nil {
		return "", eris.Wrap(err, "inference: create message")
	}

	resp.Usage.LogCost(g.opts.Model, caller)

	text := resp.Text()
	if text == "" {
		zap.L().Warn("inference: empty response",
			zap.String("caller", caller),
			zap.String("stop_reason", resp.StopReason),
		)
		return "", ErrNoOutput
	}
	return text, nil
}

func (g *AnthropicGateway) attempt(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	resp, err := g.client.CreateMessage(ctx, req)
	if err != nil {
		if status := anthropic.StatusCode(err); resilience.RetryableStatus(status) {
			return nil, resilience.Transient(err, status)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, resilience.Transient(err, 0)
		}
		return nil, err
	}
	return resp, nil
}
