package githubapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// AuthConfig configures the authenticated HTTP client used for every GitHub call.
// Exactly one of Token or the GitHub App triple must be set.
type AuthConfig struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string

	// Timeout bounds each request attempt, not the waits between attempts.
	Timeout                time.Duration
	Retry                  RetryConfig
	SecondaryLimitMaxSleep time.Duration
	Logger                 *zap.Logger
	BaseTransport          http.RoundTripper
}

// NewHTTPClient builds the transport chain: credentials, secondary rate-limit
// waiter, transient retry, then the base transport.
func NewHTTPClient(cfg AuthConfig) (*http.Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	maxSleep := cfg.SecondaryLimitMaxSleep
	if maxSleep <= 0 {
		maxSleep = time.Hour
	}

	retry := cfg.Retry
	if retry.AttemptTimeout <= 0 {
		retry.AttemptTimeout = cfg.Timeout
	}
	retrying := NewRetryTransport(baseTransport, retry, logger)
	waiter, err := github_ratelimit.NewRateLimitWaiter(retrying,
		github_ratelimit.WithSingleSleepLimit(maxSleep, nil),
		github_ratelimit.WithLimitDetectedCallback(func(cbCtx *github_ratelimit.CallbackContext) {
			fields := []zap.Field{}
			if cbCtx.SleepUntil != nil {
				fields = append(fields, zap.Time("sleep_until", *cbCtx.SleepUntil))
			}
			if cbCtx.Request != nil {
				fields = append(fields, zap.String("url", cbCtx.Request.URL.String()))
			}
			logger.Warn("secondary rate limit detected", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate limit waiter: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token != "" {
		return &http.Client{
			Transport: &oauth2.Transport{
				Base:   waiter,
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			},
		}, nil
	}

	return NewInstallationHTTPClient(InstallationAuthConfig{
		AppID:          cfg.AppID,
		InstallationID: cfg.InstallationID,
		PrivateKeyPath: cfg.PrivateKeyPath,
		APIBaseURL:     cfg.APIBaseURL,
		BaseTransport:  waiter,
	})
}

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string
	BaseTransport  http.RoundTripper
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	if trimmed := strings.TrimSpace(cfg.APIBaseURL); trimmed != "" {
		transport.BaseURL = strings.TrimSuffix(trimmed, "/")
	}

	return &http.Client{Transport: transport}, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	if strings.TrimSpace(apiBaseURL) == "" {
		return client, nil
	}

	parsedURL, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	client.BaseURL = parsedURL
	return client, nil
}

// NewGraphQLClient creates a githubv4 client. The GraphQL endpoint is derived
// from the REST base URL, so GitHub Enterprise `/api/v3/` maps to `/api/graphql`.
func NewGraphQLClient(httpClient *http.Client, apiBaseURL string) (*githubv4.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if strings.TrimSpace(apiBaseURL) == "" {
		return githubv4.NewClient(httpClient), nil
	}

	parsedURL, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	endpoint := *parsedURL
	if strings.HasSuffix(endpoint.Path, "/v3/") {
		endpoint.Path = strings.TrimSuffix(endpoint.Path, "v3/") + "graphql"
	} else {
		endpoint.Path += "graphql"
	}
	return githubv4.NewEnterpriseClient(endpoint.String(), httpClient), nil
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}
