package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validLogFormats    = []string{"json", "text"}
	validSearchBackend = []string{"rest", "graphql"}
	validRepoPullCount = []string{"list", "search"}
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	GitHub     GitHubConfig
	Extraction ExtractionConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
	Store      StoreConfig
	Telemetry  TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// ListenAddr returns the listen address for Port.
func (s ServerConfig) ListenAddr() string {
	return ":" + strconv.Itoa(s.Port)
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	Organization   string
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	APIBaseURL     string
	// Teams restricts per-user attribution to these team names or slugs.
	Teams          []string
	RequestTimeout time.Duration
	PageSize       int
	SearchBackend  string
}

// UsesAppAuth reports whether GitHub App installation credentials are configured.
func (g GitHubConfig) UsesAppAuth() bool {
	return g.AppID > 0 || g.InstallationID > 0 || strings.TrimSpace(g.PrivateKeyPath) != ""
}

// ExtractionConfig configures the extraction cycle.
type ExtractionConfig struct {
	Interval        time.Duration
	RepoConcurrency int
	// MergedAsClosed counts merged pull requests in the closed bucket of per-repository gauges.
	MergedAsClosed bool
	// RepoPullCounts selects how per-repository pull request gauges are
	// computed: "list" pages every pull request, "search" issues count queries.
	RepoPullCounts string
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold  int
	MinResetBuffer         time.Duration
	SecondaryLimitMaxSleep time.Duration
	SharedRedisAddr        string
	SharedRedisPassword    string
	SharedRedisDB          int
	SharedRedisNamespace   string
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StoreConfig configures the in-memory gauge store.
type StoreConfig struct {
	MaxSeriesBudget int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// LookupEnvFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupEnvFunc func(key string) (string, bool)

// Load reads configuration from optional YAML, applies environment overrides,
// fills defaults, and validates the result. A nil reader means no file.
func Load(reader io.Reader, lookupEnv LookupEnvFunc) (*Config, error) {
	var raw rawConfig
	if reader != nil {
		decoder := yaml.NewDecoder(reader)
		decoder.KnownFields(true)
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	cfg := raw.toConfig()
	if lookupEnv != nil {
		if err := applyEnv(cfg, lookupEnv); err != nil {
			return nil, err
		}
	}
	applyDefaults(cfg, raw)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Log.Level) {
		errs = append(errs, "log.level must be one of debug|info|warn|error")
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		errs = append(errs, "log.format must be one of json|text")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if strings.TrimSpace(c.GitHub.Organization) == "" {
		errs = append(errs, "github.organization is required")
	}
	hasToken := strings.TrimSpace(c.GitHub.Token) != ""
	switch {
	case hasToken && c.GitHub.UsesAppAuth():
		errs = append(errs, "github.token and github app credentials are mutually exclusive")
	case !hasToken && !c.GitHub.UsesAppAuth():
		errs = append(errs, "github.token or github app credentials are required")
	case c.GitHub.UsesAppAuth():
		if c.GitHub.AppID <= 0 {
			errs = append(errs, "github.app_id must be > 0")
		}
		if c.GitHub.InstallationID <= 0 {
			errs = append(errs, "github.installation_id must be > 0")
		}
		if strings.TrimSpace(c.GitHub.PrivateKeyPath) == "" {
			errs = append(errs, "github.private_key_path is required")
		}
	}
	if !slices.Contains(validSearchBackend, c.GitHub.SearchBackend) {
		errs = append(errs, "github.search_backend must be rest or graphql")
	}
	if c.GitHub.PageSize <= 0 || c.GitHub.PageSize > 100 {
		errs = append(errs, "github.page_size must be between 1 and 100")
	}

	if c.Extraction.Interval <= 0 {
		errs = append(errs, "extraction.interval must be > 0")
	}
	if c.Extraction.RepoConcurrency <= 0 {
		errs = append(errs, "extraction.repo_concurrency must be > 0")
	}
	if !slices.Contains(validRepoPullCount, c.Extraction.RepoPullCounts) {
		errs = append(errs, "extraction.repo_pull_counts must be list or search")
	}

	if c.RateLimit.MinRemainingThreshold < 1 {
		errs = append(errs, "rate_limit.min_remaining_threshold must be >= 1")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Store.MaxSeriesBudget < 0 {
		errs = append(errs, "store.max_series_budget must be >= 0")
	}
	if !slices.Contains(telemetry.TraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, lookupEnv LookupEnvFunc) error {
	var errs []string
	lookup := func(key string) (string, bool) {
		value, ok := lookupEnv(key)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}

	if value, ok := lookup("GITHUB_ORGANIZATION"); ok {
		cfg.GitHub.Organization = value
	}
	if value, ok := lookup("GITHUB_ORGANISATION"); ok {
		cfg.GitHub.Organization = value
	}
	if value, ok := lookup("GITHUB_TOKEN"); ok {
		cfg.GitHub.Token = value
	}
	if value, ok := lookup("GITHUB_API_URL"); ok {
		cfg.GitHub.APIBaseURL = value
	}
	if value, ok := lookup("GITHUB_TEAMS"); ok {
		cfg.GitHub.Teams = splitList(value)
	}
	if value, ok := lookup("GITHUB_APP_ID"); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			errs = append(errs, "GITHUB_APP_ID must be an integer")
		}
		cfg.GitHub.AppID = parsed
	}
	if value, ok := lookup("GITHUB_APP_INSTALLATION_ID"); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			errs = append(errs, "GITHUB_APP_INSTALLATION_ID must be an integer")
		}
		cfg.GitHub.InstallationID = parsed
	}
	if value, ok := lookup("GITHUB_APP_PRIVATE_KEY_PATH"); ok {
		cfg.GitHub.PrivateKeyPath = value
	}
	if value, ok := lookup("HTTP_PORT"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, "HTTP_PORT must be an integer")
		}
		cfg.Server.Port = parsed
	}
	if value, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(value)
	}
	if value, ok := lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(value)
	}
	if value, ok := lookup("EXTRACTION_INTERVAL_MS"); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			errs = append(errs, "EXTRACTION_INTERVAL_MS must be a positive integer")
		}
		cfg.Extraction.Interval = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := lookup("REDIS_ADDR"); ok {
		cfg.RateLimit.SharedRedisAddr = value
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config, raw rawConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 80
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.PageSize == 0 {
		cfg.GitHub.PageSize = 100
	}
	if cfg.GitHub.SearchBackend == "" {
		cfg.GitHub.SearchBackend = "rest"
	}
	if cfg.Extraction.Interval == 0 {
		cfg.Extraction.Interval = 20 * time.Minute
	}
	if cfg.Extraction.RepoConcurrency == 0 {
		cfg.Extraction.RepoConcurrency = 4
	}
	cfg.Extraction.MergedAsClosed = raw.Extraction.MergedAsClosed == nil || *raw.Extraction.MergedAsClosed
	if cfg.Extraction.RepoPullCounts == "" {
		cfg.Extraction.RepoPullCounts = "list"
	}
	if raw.RateLimit.MinRemainingThreshold == nil {
		cfg.RateLimit.MinRemainingThreshold = 1
	}
	if cfg.RateLimit.MinResetBuffer <= 0 {
		cfg.RateLimit.MinResetBuffer = time.Second
	}
	if cfg.RateLimit.SecondaryLimitMaxSleep <= 0 {
		cfg.RateLimit.SecondaryLimitMaxSleep = time.Hour
	}
	if cfg.RateLimit.SharedRedisNamespace == "" {
		cfg.RateLimit.SharedRedisNamespace = "github-org-stats"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server     rawServer     `yaml:"server"`
	Log        LogConfig     `yaml:"log"`
	GitHub     rawGitHub     `yaml:"github"`
	Extraction rawExtraction `yaml:"extraction"`
	RateLimit  rawRateLimit  `yaml:"rate_limit"`
	Retry      rawRetry      `yaml:"retry"`
	Store      rawStore      `yaml:"store"`
	Telemetry  rawTelemetry  `yaml:"telemetry"`
}

type rawServer struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawGitHub struct {
	Organization   string   `yaml:"organization"`
	Token          string   `yaml:"token"`
	AppID          int64    `yaml:"app_id"`
	InstallationID int64    `yaml:"installation_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	APIBaseURL     string   `yaml:"api_base_url"`
	Teams          []string `yaml:"teams"`
	RequestTimeout duration `yaml:"request_timeout"`
	PageSize       int      `yaml:"page_size"`
	SearchBackend  string   `yaml:"search_backend"`
}

type rawExtraction struct {
	Interval        duration `yaml:"interval"`
	RepoConcurrency int      `yaml:"repo_concurrency"`
	MergedAsClosed  *bool    `yaml:"merged_as_closed"`
	RepoPullCounts  string   `yaml:"repo_pull_counts"`
}

type rawRateLimit struct {
	MinRemainingThreshold  *int     `yaml:"min_remaining_threshold"`
	MinResetBuffer         duration `yaml:"min_reset_buffer"`
	SecondaryLimitMaxSleep duration `yaml:"secondary_limit_max_sleep"`
	SharedRedisAddr        string   `yaml:"shared_redis_addr"`
	SharedRedisPassword    string   `yaml:"shared_redis_password"`
	SharedRedisDB          int      `yaml:"shared_redis_db"`
	SharedRedisNamespace   string   `yaml:"shared_redis_namespace"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawStore struct {
	MaxSeriesBudget int `yaml:"max_series_budget"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            r.Server.Port,
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(r.Log.Level)),
			Format: strings.ToLower(strings.TrimSpace(r.Log.Format)),
		},
		GitHub: GitHubConfig{
			Organization:   strings.TrimSpace(r.GitHub.Organization),
			Token:          r.GitHub.Token,
			AppID:          r.GitHub.AppID,
			InstallationID: r.GitHub.InstallationID,
			PrivateKeyPath: r.GitHub.PrivateKeyPath,
			APIBaseURL:     r.GitHub.APIBaseURL,
			Teams:          splitList(strings.Join(r.GitHub.Teams, ",")),
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			PageSize:       r.GitHub.PageSize,
			SearchBackend:  strings.ToLower(strings.TrimSpace(r.GitHub.SearchBackend)),
		},
		Extraction: ExtractionConfig{
			Interval:        r.Extraction.Interval.Duration,
			RepoConcurrency: r.Extraction.RepoConcurrency,
			RepoPullCounts:  strings.ToLower(strings.TrimSpace(r.Extraction.RepoPullCounts)),
		},
		RateLimit: RateLimitConfig{
			MinResetBuffer:         r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitMaxSleep: r.RateLimit.SecondaryLimitMaxSleep.Duration,
			SharedRedisAddr:        r.RateLimit.SharedRedisAddr,
			SharedRedisPassword:    r.RateLimit.SharedRedisPassword,
			SharedRedisDB:          r.RateLimit.SharedRedisDB,
			SharedRedisNamespace:   r.RateLimit.SharedRedisNamespace,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Store: StoreConfig{
			MaxSeriesBudget: r.Store.MaxSeriesBudget,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        strings.ToLower(strings.TrimSpace(r.Telemetry.OTELTraceMode)),
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
	if r.RateLimit.MinRemainingThreshold != nil {
		cfg.RateLimit.MinRemainingThreshold = *r.RateLimit.MinRemainingThreshold
	}
	return cfg
}
