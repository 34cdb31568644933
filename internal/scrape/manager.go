package scrape

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OrgScraper runs the extraction passes for one organization.
type OrgScraper interface {
	Organization() string
	TeamAttributionEnabled() bool
	LoadUsersTeams(ctx context.Context) (UsersTeams, error)
	ProcessOrganizationRepositories(ctx context.Context) error
	ProcessTeamsData(ctx context.Context, usersTeams UsersTeams) error
}

// Outcome describes one extraction cycle.
type Outcome struct {
	Org             string
	UsersAttributed int
	StartedAt       time.Time
	Duration        time.Duration
	Err             error
}

// Manager executes full extraction cycles.
type Manager struct {
	scraper OrgScraper
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a scrape manager.
func NewManager(scraper OrgScraper, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		scraper: scraper,
		logger:  logger,
		now:     time.Now,
	}
}

// RunCycle loads team membership when team attribution is enabled, sweeps the
// organization repositories, then publishes per-user gauges. The first failure
// ends the cycle; gauges published before it are kept.
func (m *Manager) RunCycle(ctx context.Context) Outcome {
	if m == nil || m.scraper == nil {
		return Outcome{Err: fmt.Errorf("scrape manager is not initialized")}
	}

	outcome := Outcome{
		Org:       m.scraper.Organization(),
		StartedAt: m.now(),
	}
	outcome.Err = m.runPasses(ctx, &outcome)
	outcome.Duration = m.now().Sub(outcome.StartedAt)
	return outcome
}

func (m *Manager) runPasses(ctx context.Context, outcome *Outcome) error {
	var usersTeams UsersTeams
	if m.scraper.TeamAttributionEnabled() {
		loaded, err := m.scraper.LoadUsersTeams(ctx)
		if err != nil {
			return fmt.Errorf("load users teams: %w", err)
		}
		usersTeams = loaded
		outcome.UsersAttributed = len(loaded)
	}

	if err := m.scraper.ProcessOrganizationRepositories(ctx); err != nil {
		return fmt.Errorf("process organization repositories: %w", err)
	}

	if len(usersTeams) == 0 {
		return nil
	}
	if err := m.scraper.ProcessTeamsData(ctx, usersTeams); err != nil {
		return fmt.Errorf("process teams data: %w", err)
	}
	m.logger.Debug("team attribution published", zap.Int("users", len(usersTeams)))
	return nil
}
