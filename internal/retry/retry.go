// Package retry wraps fallible operations in a bounded retry loop with
// pluggable backoff and error-category-aware adaptations.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/po4yka/gitout/internal/logging"
)

// Strategy selects how the inter-attempt delay grows.
type Strategy int

const (
	StrategyLinear Strategy = iota
	StrategyExponential
	StrategyConstant
)

func (s Strategy) String() string {
	switch s {
	case StrategyExponential:
		return "exponential"
	case StrategyConstant:
		return "constant"
	default:
		return "linear"
	}
}

const historyLimit = 10

// Policy holds the retry parameters. The zero value is not useful; start from
// DefaultPolicy.
type Policy struct {
	MaxAttempts int           `hcl:"max-attempts,optional" help:"Maximum attempts per operation." default:"6"`
	BaseDelay   time.Duration `hcl:"base-delay,optional" help:"Base inter-attempt delay." default:"5s"`
	Strategy    Strategy      `hcl:"-"`
	Adaptive    bool          `hcl:"-"`
}

// DefaultPolicy returns the standard policy: six attempts, 5s linear backoff,
// adaptive behaviour on.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 6, BaseDelay: 5 * time.Second, Strategy: StrategyLinear, Adaptive: true}
}

// delay returns the pre-attempt delay for attempt k (1-indexed, k >= 2).
func (p Policy) delay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyExponential:
		return p.BaseDelay * (1 << (attempt - 2))
	case StrategyConstant:
		return p.BaseDelay
	default:
		return p.BaseDelay * time.Duration(attempt)
	}
}

// Context carries per-attempt state into the operation. Operations read it to
// adapt their behaviour, e.g. adding -c http.version=HTTP/1.1 once the
// fallback latch is set.
type Context struct {
	Attempt          int // 1-indexed
	MaxAttempts      int
	PreviousCategory Category // CategoryUnknown and PreviousErr == nil on the first attempt
	PreviousErr      error
	UseHTTP1Fallback bool

	history []Category
}

// History returns the categories of failed attempts so far, oldest first,
// bounded to the most recent ten.
func (c *Context) History() []Category { return c.history }

func (c *Context) record(cat Category) {
	c.history = append(c.history, cat)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
}

// ExhaustedError is returned when all attempts failed or a non-retryable
// failure short-circuited the loop.
type ExhaustedError struct {
	Description string
	Attempts    int
	Categories  []Category // distinct, in first-seen order
	cause       error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Categories))
	for i, c := range e.Categories {
		names[i] = c.String()
	}
	return fmt.Sprintf("%s failed after %d attempt(s) [%s]: %s", e.Description, e.Attempts, strings.Join(names, ", "), e.cause)
}

func (e *ExhaustedError) Unwrap() error { return e.cause }

// retryAfterHint is implemented by errors that carry a server-provided
// retry-after delay, e.g. forge rate-limit responses.
type retryAfterHint interface {
	RetryAfter() time.Duration
}

// Engine executes operations under a Policy. Sleep is replaceable for tests.
type Engine struct {
	Policy   Policy
	Classify func(err error) Category
	Sleep    func(ctx context.Context, d time.Duration) error
}

// New returns an Engine with the given policy and the default classifier.
func New(policy Policy) *Engine {
	return &Engine{Policy: policy, Classify: func(err error) Category { return Classify(err.Error()) }}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Execute runs op until it succeeds, the policy is exhausted, or a
// non-retryable failure occurs. The first attempt runs immediately; each
// subsequent attempt is preceded by a cancellable delay. A cancellation
// during the delay aborts the loop without invoking op again.
func Execute[T any](ctx context.Context, e *Engine, description string, op func(ctx context.Context, rctx *Context) (T, error)) (T, error) {
	var zero T
	logger := logging.MaybeFromContext(ctx)
	rctx := &Context{MaxAttempts: e.Policy.MaxAttempts}

	var lastErr error
	var seen []Category
	for attempt := 1; attempt <= e.Policy.MaxAttempts; attempt++ {
		rctx.Attempt = attempt

		if attempt > 1 {
			delay := e.Policy.delay(attempt)
			if e.Policy.Adaptive {
				// Stretch the delay when the same transient category failed
				// twice in a row; a repeat means the backoff so far was not
				// enough.
				if len(rctx.history) >= 2 && rctx.history[len(rctx.history)-1] == rctx.history[len(rctx.history)-2] {
					delay = time.Duration(float64(delay) * rctx.PreviousCategory.DelayMultiplier())
				}
				var hint retryAfterHint
				if errors.As(lastErr, &hint) && hint.RetryAfter() > delay {
					delay = hint.RetryAfter()
				}
			}
			if logger != nil {
				logger.Debug("Waiting before retry", "operation", description, "attempt", attempt, "delay", delay)
			}
			if err := e.sleep(ctx, delay); err != nil {
				return zero, errors.Wrapf(err, "%s cancelled during retry delay", description)
			}
		}

		result, err := op(ctx, rctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		category := e.classify(err)
		if !containsCategory(seen, category) {
			seen = append(seen, category)
		}
		rctx.record(category)
		rctx.PreviousCategory = category
		rctx.PreviousErr = err

		if e.Policy.Adaptive {
			if category.SuggestsHTTP1Fallback() && !rctx.UseHTTP1Fallback {
				rctx.UseHTTP1Fallback = true
				if logger != nil {
					logger.Info("Falling back to HTTP/1.1 for subsequent attempts", "operation", description, "category", category.String())
				}
			}
			if !category.Retryable() {
				if logger != nil {
					logger.Debug("Failure is not retryable", "operation", description, "category", category.String())
				}
				return zero, &ExhaustedError{Description: description, Attempts: attempt, Categories: seen, cause: err}
			}
		}

		if logger != nil && attempt < e.Policy.MaxAttempts {
			logger.Warn("Attempt failed, will retry", "operation", description, "attempt", attempt, "category", category.String(), "error", err)
		}
	}

	return zero, &ExhaustedError{Description: description, Attempts: e.Policy.MaxAttempts, Categories: seen, cause: lastErr}
}

func (e *Engine) classify(err error) Category {
	if e.Classify != nil {
		return e.Classify(err)
	}
	return Classify(err.Error())
}

func containsCategory(cats []Category, c Category) bool {
	for _, existing := range cats {
		if existing == c {
			return true
		}
	}
	return false
}
