package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/metrics"
	"deforger/marketplace-backend/pkg/cache"
)

// Observation is a read-only view of a project account's ledger balance.
// Unsettled is the part of the balance no accepted purchase has claimed.
type Observation struct {
	ProjectID           uint64    `json:"project_id,string"`
	AccountID           string    `json:"account_id"`
	Balance             uint64    `json:"balance,string"`
	LastObservedBalance uint64    `json:"last_observed_balance,string"`
	Unsettled           uint64    `json:"unsettled,string"`
	ObservedAt          time.Time `json:"observed_at"`
}

func observe(ctx context.Context, s *Service, project *Project) (Observation, error) {
	accountID := DeriveAccountIdentifier(s.canister, project.ID)
	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return Observation{}, err
	}

	return withWatermark(Observation{
		ProjectID:  project.ID,
		AccountID:  accountID.Hex(),
		Balance:    balance,
		ObservedAt: time.Now().UTC(),
	}, project.LastObservedBalance), nil
}

func withWatermark(o Observation, last uint64) Observation {
	o.LastObservedBalance = last
	o.Unsettled = 0
	if o.Balance > last {
		o.Unsettled = o.Balance - last
	}
	return o
}

// WatcherConfig contains balance watcher configuration
type WatcherConfig struct {
	// Schedule is a cron spec with an optional seconds field, e.g. "@every 30s"
	Schedule string        `json:"schedule"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

// DefaultWatcherConfig returns default configuration
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Schedule: "@every 30s",
		CacheTTL: time.Minute,
	}
}

// Watcher periodically observes the ledger balance of every tokenized project.
// It only reads: settlement state is never changed by an observation.
type Watcher struct {
	service  *Service
	cache    *cache.TTLCache[uint64, Observation]
	cron     *cron.Cron
	schedule string
	mu       sync.Mutex
	running  bool
	logger   *zap.Logger
}

func NewWatcher(service *Service, config WatcherConfig, logger *zap.Logger) *Watcher {
	defaults := DefaultWatcherConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}

	return &Watcher{
		service:  service,
		cache:    cache.New[uint64, Observation](config.CacheTTL),
		cron:     cron.New(cron.WithSeconds()),
		schedule: config.Schedule,
		logger:   logger,
	}
}

// Start schedules periodic observations
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("balance watcher already running")
	}

	if _, err := w.cron.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid watch schedule %q: %w", w.schedule, err)
	}

	w.logger.Info("Starting balance watcher", zap.String("schedule", w.schedule))
	w.cron.Start()
	w.running = true
	return nil
}

// Stop waits for a running observation to finish and releases the cache
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		<-w.cron.Stop().Done()
		w.running = false
	}
	w.cache.Stop()
}

// RunOnce observes every tokenized project and returns how many were observed.
// Ledger failures are logged and the project is skipped.
func (w *Watcher) RunOnce(ctx context.Context) int {
	projects, err := w.service.ListProjects(ctx)
	if err != nil {
		w.logger.Error("Balance watcher failed to list projects", zap.Error(err))
		return 0
	}

	observed := 0
	for _, project := range projects {
		if !project.IsTokenized {
			continue
		}

		observation, err := observe(ctx, w.service, project)
		if err != nil {
			w.logger.Warn("Balance observation failed",
				zap.Uint64("project_id", project.ID),
				zap.Error(err))
			continue
		}

		w.cache.Set(project.ID, observation)
		metrics.SetUnsettledDeposit(project.ID, observation.Unsettled)
		observed++

		if observation.Unsettled > 0 {
			w.logger.Debug("Unsettled deposit",
				zap.Uint64("project_id", project.ID),
				zap.Uint64("unsettled", observation.Unsettled))
		}
	}

	return observed
}

// Observe returns the cached observation of project, querying the ledger when
// there is none. The watermark always comes from project itself.
func (w *Watcher) Observe(ctx context.Context, project *Project) (Observation, error) {
	observation, err := w.cache.GetOrSet(project.ID, func() (Observation, error) {
		return observe(ctx, w.service, project)
	})
	if err != nil {
		return Observation{}, err
	}
	return withWatermark(observation, project.LastObservedBalance), nil
}

// CacheStats exposes the observation cache statistics
func (w *Watcher) CacheStats() cache.Stats {
	return w.cache.Stats()
}
