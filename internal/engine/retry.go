package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rendis/baton/internal/expressions"
	"github.com/rendis/baton/pkg/schema"
)

const (
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0
)

// RetryDecision is a strategy's answer for a failed attempt.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryContext describes a failed attempt. Attempt is the zero-based index
// of the attempt that just failed.
type RetryContext struct {
	Attempt     int
	MaxAttempts int
	Err         error
	Elapsed     time.Duration
}

// RetryStrategy decides whether and after what delay a failed attempt is
// tried again. Strategies are stateless; all inputs arrive in the context.
type RetryStrategy interface {
	ShouldRetry(rc RetryContext) RetryDecision
}

// StrategyFromPolicy builds the strategy named by the policy. A nil policy
// or the "none" strategy never retries. Unknown strategy names fall back to
// exponential. Malformed durations are validation errors.
func StrategyFromPolicy(policy *schema.RetryPolicy) (RetryStrategy, error) {
	if policy == nil {
		return noRetryStrategy{}, nil
	}

	base, err := parseDelay(policy.BaseDelay, defaultBaseDelay)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid base_delay %q", policy.BaseDelay).WithCause(err)
	}
	maxDelay, err := parseDelay(policy.MaxDelay, defaultMaxDelay)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid max_delay %q", policy.MaxDelay).WithCause(err)
	}
	if maxDelay < base {
		maxDelay = base
	}

	switch policy.Strategy {
	case "none":
		return noRetryStrategy{}, nil
	case "fixed":
		return fixedStrategy{delay: base}, nil
	case "linear":
		return linearStrategy{base: base, maxDelay: maxDelay}, nil
	default: // "exponential" and anything unrecognized
		multiplier := policy.Multiplier
		if multiplier <= 1 {
			multiplier = defaultMultiplier
		}
		jitter := policy.JitterFactor
		if jitter < 0 {
			jitter = 0
		}
		return exponentialStrategy{
			base:       base,
			maxDelay:   maxDelay,
			multiplier: multiplier,
			jitter:     jitter,
			rand:       rand.Float64,
		}, nil
	}
}

func parseDelay(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return fallback, nil
	}
	return d, nil
}

type noRetryStrategy struct{}

func (noRetryStrategy) ShouldRetry(RetryContext) RetryDecision {
	return RetryDecision{Retry: false, Reason: "retries disabled"}
}

type fixedStrategy struct {
	delay time.Duration
}

func (s fixedStrategy) ShouldRetry(rc RetryContext) RetryDecision {
	if rc.Attempt+1 >= rc.MaxAttempts {
		return RetryDecision{Retry: false, Reason: "attempts exhausted"}
	}
	return RetryDecision{Retry: true, Delay: s.delay, Reason: "fixed backoff"}
}

type linearStrategy struct {
	base     time.Duration
	maxDelay time.Duration
}

func (s linearStrategy) ShouldRetry(rc RetryContext) RetryDecision {
	if rc.Attempt+1 >= rc.MaxAttempts {
		return RetryDecision{Retry: false, Reason: "attempts exhausted"}
	}
	delay := s.base * time.Duration(rc.Attempt+1)
	if delay < 0 || delay > s.maxDelay {
		delay = s.maxDelay
	}
	return RetryDecision{Retry: true, Delay: delay, Reason: "linear backoff"}
}

type exponentialStrategy struct {
	base       time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     float64
	rand       func() float64
}

func (s exponentialStrategy) ShouldRetry(rc RetryContext) RetryDecision {
	if rc.Attempt+1 >= rc.MaxAttempts {
		return RetryDecision{Retry: false, Reason: "attempts exhausted"}
	}
	return RetryDecision{Retry: true, Delay: s.jittered(rc.Attempt), Reason: "exponential backoff"}
}

// preJitter grows base * multiplier^attempt and caps at maxDelay. The
// sequence strictly increases until it reaches the cap.
func (s exponentialStrategy) preJitter(attempt int) time.Duration {
	f := float64(s.base) * math.Pow(s.multiplier, float64(attempt))
	if f >= float64(s.maxDelay) {
		return s.maxDelay
	}
	return time.Duration(f)
}

// jittered multiplies the pre-jitter delay by (1 + rand[0, jitter)). The
// result never exceeds maxDelay.
func (s exponentialStrategy) jittered(attempt int) time.Duration {
	delay := s.preJitter(attempt)
	if s.jitter > 0 {
		delay = time.Duration(float64(delay) * (1 + s.rand()*s.jitter))
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
	return delay
}

// transient message fragments checked when no typed classification applies.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"i/o timeout",
	"temporary failure",
	"resource temporarily unavailable",
}

// IsRetryableError classifies an error as transient or permanent before any
// retry policy runs. Timeouts, network failures and interrupted I/O are
// transient. Cancellation and everything unrecognized are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var be *schema.BatonError
	if errors.As(err, &be) {
		return be.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// matchesRetryableList applies the policy's retryable_errors filter. An
// empty list accepts every transient-classified error.
func matchesRetryableList(err error, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range allowed {
		if strings.Contains(msg, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}

// waitRetry blocks for the backoff delay or until the context is cancelled.
func waitRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryExecutor runs operations under a retry policy: transient
// classification first, then the optional retry condition, then the
// strategy's backoff.
type RetryExecutor struct {
	logger    *slog.Logger
	evaluator *expressions.Evaluator
}

// NewRetryExecutor creates a RetryExecutor. Nil arguments fall back to
// defaults.
func NewRetryExecutor(logger *slog.Logger, evaluator *expressions.Evaluator) *RetryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = expressions.NewEvaluator(logger)
	}
	return &RetryExecutor{logger: logger, evaluator: evaluator}
}

// Execute runs op until it succeeds or the policy gives up. Cancellation
// during a backoff wait aborts immediately; the aborted wait does not count
// as another attempt. When every attempt fails, the last error is wrapped
// with the attempt count.
func (r *RetryExecutor) Execute(ctx context.Context, policy *schema.RetryPolicy, scope *expressions.Scope, op func(ctx context.Context, attempt int) error) error {
	if policy == nil {
		return op(ctx, 0)
	}

	strategy, err := StrategyFromPolicy(policy)
	if err != nil {
		return err
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "retry aborted").WithCause(ctxErr)
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		if !IsRetryableError(lastErr) || !matchesRetryableList(lastErr, policy.RetryableErrors) {
			r.logger.DebugContext(ctx, "error is not retryable, giving up",
				slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
			return lastErr
		}
		if policy.RetryCondition != "" && !r.retryConditionHolds(ctx, policy.RetryCondition, scope, attempt, lastErr) {
			return lastErr
		}

		decision := strategy.ShouldRetry(RetryContext{
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Err:         lastErr,
			Elapsed:     time.Since(start),
		})
		if !decision.Retry {
			return lastErr
		}

		r.logger.DebugContext(ctx, "retrying after failure",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", decision.Delay),
			slog.String("reason", decision.Reason))
		if waitErr := waitRetry(ctx, decision.Delay); waitErr != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled,
				"retry wait cancelled after %d attempts", attempt+1).WithCause(waitErr)
		}
	}

	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"operation failed after %d attempts", maxAttempts).WithCause(lastErr)
}

// retryConditionHolds evaluates the policy's retry_condition with $attempt
// (attempts completed so far) and $error (last failure message) in scope.
// Evaluation failures count as false, so a broken condition stops retries.
func (r *RetryExecutor) retryConditionHolds(ctx context.Context, condition string, scope *expressions.Scope, attempt int, opErr error) bool {
	s := scope.Clone()
	s.Set("attempt", attempt+1)
	s.Set("error", opErr.Error())

	ok, err := r.evaluator.Evaluate(ctx, condition, s)
	if err != nil {
		r.logger.WarnContext(ctx, "retry condition evaluation failed, not retrying",
			slog.String("condition", condition), slog.Any("error", err))
		return false
	}
	return ok
}
