// Package inference is the single chokepoint for language model calls:
// prompt in, raw text out, or one of a few typed failures.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Format names the structured output a caller expects.
type Format string

// FormatJSONObject asks for a single JSON object.
const FormatJSONObject Format = "json_object"

var (
	// ErrNoOutput means the provider answered without any text.
	ErrNoOutput = errors.New("inference: provider returned no output")
	// ErrRateLimited means the inference quota for the caller is spent.
	ErrRateLimited = errors.New("inference: rate limited")
	// ErrUnavailable means the circuit to the provider is open.
	ErrUnavailable = errors.New("inference: provider unavailable")
)

// QuotaError reports an exhausted quota and when it resets.
type QuotaError struct {
	Key     string
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("inference: rate limited for %s until %s", e.Key, e.ResetAt.UTC().Format(time.RFC3339))
}

// Is matches ErrRateLimited.
func (e *QuotaError) Is(target error) bool { return target == ErrRateLimited }

// Gateway calls the model. Implementations must honor ctx deadlines.
type Gateway interface {
	Infer(ctx context.Context, prompt string, format Format) (string, error)
}

type callerKey struct{}

// WithCaller labels calls made with ctx. The label scopes the quota and
// cost attribution.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the label set by WithCaller, or "default".
func Caller(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey{}).(string); ok && c != "" {
		return c
	}
	return "default"
}
