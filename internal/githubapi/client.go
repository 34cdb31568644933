package githubapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RetryConfig configures transient-failure retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout bounds a single attempt; zero leaves it unbounded.
	AttemptTimeout time.Duration
}

// RetryTransport retries transport failures and transient statuses with
// exponential backoff. It never retries once the request context is done.
type RetryTransport struct {
	base   http.RoundTripper
	retry  RetryConfig
	logger *zap.Logger
	// Sleep is injected for testability.
	Sleep func(ctx context.Context, duration time.Duration) error
}

// NewRetryTransport wraps base with retry behavior.
func NewRetryTransport(base http.RoundTripper, retry RetryConfig, logger *zap.Logger) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryTransport{
		base:   base,
		retry:  retry,
		logger: logger,
		Sleep:  sleepContext,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = telemetry.Tracer("githubapi").Start(
			ctx,
			"githubapi.transport.round_trip",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("github.max_attempts", t.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		attemptCtx, cancelAttempt := t.attemptContext(ctx)
		nextReq, err := cloneRequest(attemptCtx, req, attempt)
		if err != nil {
			cancelAttempt()
			return nil, err
		}

		t.logger.Debug("github request",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt),
		)
		resp, err := t.base.RoundTrip(nextReq)
		if err != nil {
			cancelAttempt()
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("github.attempt", attempt),
				))
			}
			if attempt == t.retry.MaxAttempts || ctx.Err() != nil {
				if span != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				return nil, err
			}
			if sleepErr := t.Sleep(ctx, backoffForAttempt(t.retry, attempt)); sleepErr != nil {
				return nil, errors.Join(err, sleepErr)
			}
			continue
		}

		snapshot := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		t.logger.Debug("github response",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Int("rate_limit_remaining", snapshot.Remaining),
		)
		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.String("github.rate_limit_resource", snapshot.Resource),
				attribute.Int("github.rate_limit_remaining", snapshot.Remaining),
				attribute.Int64("github.rate_limit_reset_unix", snapshot.ResetUnix),
			))
		}

		if isTransientStatus(resp.StatusCode) && attempt < t.retry.MaxAttempts {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			cancelAttempt()
			wait := backoffForAttempt(t.retry, attempt)
			if snapshot.RetryAfter > wait {
				wait = snapshot.RetryAfter
			}
			if sleepErr := t.Sleep(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if span != nil {
			if isTransientStatus(resp.StatusCode) {
				span.SetStatus(codes.Error, fmt.Sprintf("transient status %d", resp.StatusCode))
			} else {
				span.SetStatus(codes.Ok, "request completed")
			}
		}
		resp.Body = bodyWithCancel(resp.Body, cancelAttempt)
		return resp, nil
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, fmt.Errorf("request attempts exhausted")
}

func (t *RetryTransport) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.retry.AttemptTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.retry.AttemptTimeout)
}

// cancelOnClose releases the attempt context once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func bodyWithCancel(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if body == nil {
		cancel()
		return nil
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}
}

func cloneRequest(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	next := req.Clone(ctx)
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed for retry")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay request body: %w", err)
	}
	next.Body = body
	return next, nil
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
