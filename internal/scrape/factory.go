package scrape

import (
	"fmt"
	"net/http"

	"github.com/cam3ron2/github-org-stats-exporter/internal/config"
	"github.com/cam3ron2/github-org-stats-exporter/internal/githubapi"
	"github.com/cam3ron2/github-org-stats-exporter/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FactoryOptions carries injectable dependencies for NewOrgScraperFromConfig.
type FactoryOptions struct {
	Logger        *zap.Logger
	BaseTransport http.RoundTripper
	// RedisClient overrides the client built from rate_limit.shared_redis_addr.
	RedisClient redis.UniversalClient
}

// Built is the wired extraction stack.
type Built struct {
	Scraper  *GitHubOrgScraper
	Governor *githubapi.Governor
	// Close releases the shared rate-limit store, if any.
	Close func() error
}

// NewOrgScraperFromConfig builds the authenticated GitHub clients, the rate-limit
// governor and the org scraper publishing into sink.
func NewOrgScraperFromConfig(cfg *config.Config, sink GaugeSink, opts FactoryOptions) (Built, error) {
	if cfg == nil {
		return Built{}, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	closeFn := func() error { return nil }
	var shared githubapi.SnapshotStore
	redisClient := opts.RedisClient
	if redisClient == nil && cfg.RateLimit.SharedRedisAddr != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RateLimit.SharedRedisAddr},
			Password: cfg.RateLimit.SharedRedisPassword,
			DB:       cfg.RateLimit.SharedRedisDB,
		})
	}
	if redisClient != nil {
		redisStore := store.NewRedisRateLimitStore(redisClient, store.RedisRateLimitStoreConfig{
			Namespace: cfg.RateLimit.SharedRedisNamespace,
		})
		shared = redisStore
		closeFn = redisStore.Close
		logger.Info("sharing rate limit snapshots through redis",
			zap.String("namespace", cfg.RateLimit.SharedRedisNamespace),
		)
	}

	governor := githubapi.NewGovernor(githubapi.GovernorConfig{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		Logger:                logger.Named("governor"),
		Shared:                shared,
	})

	httpClient, err := githubapi.NewHTTPClient(githubapi.AuthConfig{
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		APIBaseURL:     cfg.GitHub.APIBaseURL,
		Timeout:        cfg.GitHub.RequestTimeout,
		Retry: githubapi.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		SecondaryLimitMaxSleep: cfg.RateLimit.SecondaryLimitMaxSleep,
		Logger:                 logger.Named("githubapi"),
		BaseTransport:          opts.BaseTransport,
	})
	if err != nil {
		_ = closeFn()
		return Built{}, fmt.Errorf("create github http client: %w", err)
	}

	restClient, err := githubapi.NewGitHubRESTClient(httpClient, cfg.GitHub.APIBaseURL)
	if err != nil {
		_ = closeFn()
		return Built{}, fmt.Errorf("create github rest client: %w", err)
	}

	var counter githubapi.SearchCounter
	if cfg.GitHub.SearchBackend == "graphql" {
		graphQLClient, err := githubapi.NewGraphQLClient(httpClient, cfg.GitHub.APIBaseURL)
		if err != nil {
			_ = closeFn()
			return Built{}, fmt.Errorf("create github graphql client: %w", err)
		}
		counter = githubapi.NewGraphQLSearchCounter(graphQLClient, governor)
	}

	dataClient, err := githubapi.NewDataClient(restClient, governor, githubapi.DataClientConfig{
		PageSize: cfg.GitHub.PageSize,
		Counter:  counter,
	})
	if err != nil {
		_ = closeFn()
		return Built{}, fmt.Errorf("create data client: %w", err)
	}

	scraper, err := NewGitHubOrgScraper(dataClient, sink, GitHubOrgScraperConfig{
		Organization:    cfg.GitHub.Organization,
		Teams:           cfg.GitHub.Teams,
		RepoConcurrency: cfg.Extraction.RepoConcurrency,
		MergedAsClosed:  cfg.Extraction.MergedAsClosed,
		RepoPullCounts:  cfg.Extraction.RepoPullCounts,
		Logger:          logger.Named("scrape"),
	})
	if err != nil {
		_ = closeFn()
		return Built{}, err
	}

	return Built{
		Scraper:  scraper,
		Governor: governor,
		Close:    closeFn,
	}, nil
}
