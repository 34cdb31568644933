package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultResource is the rate-limit bucket assumed when a response does not name one.
const DefaultResource = "core"

// RateLimitSnapshot is the quota state reported by one GitHub response.
type RateLimitSnapshot struct {
	Resource         string
	Limit            int
	Remaining        int
	Used             int
	ResetUnix        int64
	RetryAfter       time.Duration
	SecondaryLimited bool
	// Present is false when the response carried no usable quota headers.
	Present bool
}

// ResetAt returns the reset instant of the snapshot.
func (s RateLimitSnapshot) ResetAt() time.Time {
	return time.Unix(s.ResetUnix, 0)
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed snapshots.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	Now                   func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitSnapshot {
	parsed := RateLimitSnapshot{
		Resource: strings.TrimSpace(header.Get("X-RateLimit-Resource")),
	}
	if parsed.Resource == "" {
		parsed.Resource = DefaultResource
	}

	remaining, remainingOK := parseInt(header.Get("X-RateLimit-Remaining"))
	reset, resetOK := parseInt64(header.Get("X-RateLimit-Reset"))
	parsed.Present = remainingOK && resetOK
	parsed.Remaining = remaining
	parsed.ResetUnix = reset
	parsed.Limit, _ = parseInt(header.Get("X-RateLimit-Limit"))
	parsed.Used, _ = parseInt(header.Get("X-RateLimit-Used"))

	retryAfterSeconds, _ := parseInt(header.Get("Retry-After"))
	if retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.SecondaryLimited = true
	}
	if statusCode == http.StatusForbidden && parsed.RetryAfter > 0 {
		parsed.SecondaryLimited = true
	}

	return parsed
}

// Evaluate decides whether calls may continue or should pause until the quota resets.
func (p RateLimitPolicy) Evaluate(snapshot RateLimitSnapshot) Decision {
	if !snapshot.Present {
		return Decision{
			Allow:  true,
			Reason: "no_quota_metadata",
		}
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if snapshot.Remaining > p.MinRemainingThreshold {
		return Decision{
			Allow:  true,
			Reason: "within_budget",
		}
	}

	resetAt := snapshot.ResetAt()
	if !resetAt.After(now) {
		return Decision{
			Allow:  true,
			Reason: "reset_elapsed",
		}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_at_or_below_threshold",
	}
}

func parseInt(raw string) (int, bool) {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseInt64(raw string) (int64, bool) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
