// Package scheduler owns the background sweep timers: one independent
// periodic task per guild with background sync enabled. The registry has an
// explicit start/stop/reload lifecycle and is passed by reference to the
// process composition; there is no ambient singleton.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rankbridge/rankbridge/internal/policy"
	"github.com/rankbridge/rankbridge/internal/ranksync"
	"go.uber.org/zap"
)

var (
	errMissingSweeper  = errors.New("scheduler: sweeper is required")
	errMissingPolicies = errors.New("scheduler: policy source is required")
)

// Sweeper runs one full reconciliation pass over a guild.
type Sweeper interface {
	SyncGuild(ctx context.Context, guildID, actorID string) (ranksync.SweepResult, error)
}

// PolicySource lists the current policy snapshot.
type PolicySource interface {
	All() []policy.GuildPolicy
}

// Status describes the active schedule set.
type Status struct {
	Running  bool
	GuildIDs []string
}

// Config describes the dependencies for the scheduler.
type Config struct {
	Sweeper  Sweeper
	Policies PolicySource
	Logger   *zap.Logger
}

// Scheduler drives periodic guild sweeps. Schedules are built from the
// policy snapshot at Start; Reload tears everything down and rebuilds from
// the refreshed snapshot rather than diffing individual schedules.
type Scheduler struct {
	sweeper  Sweeper
	policies PolicySource
	logger   *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	guildIDs []string
}

// New constructs the scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Sweeper == nil {
		return nil, errMissingSweeper
	}
	if cfg.Policies == nil {
		return nil, errMissingPolicies
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sweeper:  cfg.Sweeper,
		policies: cfg.Policies,
		logger:   logger,
	}, nil
}

// Start launches one timer goroutine per enabled guild. Calling Start while
// running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.guildIDs = nil

	for _, guildPolicy := range s.policies.All() {
		if !guildPolicy.Sync.BackgroundSyncEnabled {
			continue
		}
		interval := time.Duration(guildPolicy.Sync.SyncIntervalMinutes) * time.Minute
		s.guildIDs = append(s.guildIDs, guildPolicy.GuildID)
		s.wg.Add(1)
		go s.run(ctx, guildPolicy.GuildID, interval)
	}
	sort.Strings(s.guildIDs)

	s.logger.Info("background sync scheduled", zap.Int("guilds", len(s.guildIDs)))
}

func (s *Scheduler) run(ctx context.Context, guildID string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.logger.Info("background sweep starting", zap.String("guild_id", guildID))
		result, err := s.sweeper.SyncGuild(ctx, guildID, "")
		if err != nil {
			// A canceled context means Stop fired mid-sweep; the partial
			// result is fine and the loop exits on the next select.
			s.logger.Warn("background sweep failed",
				zap.String("guild_id", guildID),
				zap.Error(err))
			continue
		}
		s.logger.Info("background sweep finished",
			zap.String("guild_id", guildID),
			zap.Int("total", result.Total),
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
	}
}

// Stop cancels all timers and waits for sweep goroutines to wind down. The
// sweep loop checks its context between identities, so shutdown is timely
// without killing a write mid-diff.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.guildIDs = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("background sync stopped")
}

// Reload rebuilds every schedule from the current policy snapshot.
func (s *Scheduler) Reload() {
	s.Stop()
	s.Start()
}

// Status reports the active schedule set.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	guildIDs := make([]string, len(s.guildIDs))
	copy(guildIDs, s.guildIDs)
	return Status{Running: s.cancel != nil, GuildIDs: guildIDs}
}
