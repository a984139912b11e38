package subscriptions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrSweeperAlreadyRunning is returned when trying to start a running sweeper
	ErrSweeperAlreadyRunning = errors.New("sweeper already running")
)

const (
	// DefaultSweepInterval is how often the renewal sweep runs
	DefaultSweepInterval = 5 * time.Minute

	// DefaultSweepLockTTL bounds how long a crashed instance can hold the
	// sweep lock.
	DefaultSweepLockTTL = 2 * time.Minute

	// DefaultRenewalWindow is the trailing fraction of a lease in which a
	// subscription counts as due. 0.2 of a 72h lease means renewal starts
	// about 14 hours before expiry.
	DefaultRenewalWindow = 0.2

	sweepLockKey = "subscription-sweep"
)

// SweeperConfig tunes the renewal sweep
type SweeperConfig struct {
	SweepInterval time.Duration
	LockTTL       time.Duration
	// RenewalWindow is the trailing fraction of the lease that triggers
	// renewal, in (0, 1).
	RenewalWindow float64
}

// DefaultSweeperConfig returns the default sweeper configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval: DefaultSweepInterval,
		LockTTL:       DefaultSweepLockTTL,
		RenewalWindow: DefaultRenewalWindow,
	}
}

// Sweeper periodically renews subscriptions approaching the end of their
// lease. Only one instance sweeps at a time; the rest skip the cycle.
type Sweeper struct {
	subscriptions repositories.SubscriptionRepo
	manager       *Manager
	locker        *redis.Locker
	config        SweeperConfig
	logger        ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewSweeper creates a renewal sweeper
func NewSweeper(
	subscriptions repositories.SubscriptionRepo,
	manager *Manager,
	locker *redis.Locker,
	config SweeperConfig,
	logger ectologger.Logger,
) *Sweeper {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultSweepLockTTL
	}
	if config.RenewalWindow <= 0 || config.RenewalWindow >= 1 {
		config.RenewalWindow = DefaultRenewalWindow
	}

	return &Sweeper{
		subscriptions: subscriptions,
		manager:       manager,
		locker:        locker,
		config:        config,
		logger:        logger,
		stopCh:        make(chan struct{}),
		stoppedC:      make(chan struct{}),
	}
}

// Start starts the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting subscription sweeper: interval=%s window=%.2f",
		s.config.SweepInterval, s.config.RenewalWindow)

	go s.sweepLoop(ctx)
	return nil
}

// Stop stops the sweeper gracefully
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Subscription sweeper stopped")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Subscription sweeper shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runSweep(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

// runSweep runs a single sweep cycle under the cluster-wide lock
func (s *Sweeper) runSweep(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "subscriptions.Sweeper.runSweep")
	defer span.End()

	lock, err := s.locker.Acquire(ctx, sweepLockKey, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			s.logger.WithContext(ctx).Debug("Another instance is sweeping, skipping cycle")
			return
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to acquire sweep lock")
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to release sweep lock")
		}
	}()

	start := time.Now()
	due, err := s.subscriptions.ListDueForRenewal(ctx, s.config.RenewalWindow)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list subscriptions due for renewal")
		return
	}
	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No subscriptions due for renewal")
		return
	}

	renewed := 0
	failed := 0
	for i := range due {
		if err := s.manager.Renew(ctx, &due[i]); err != nil {
			failed++
			continue
		}
		renewed++
	}

	s.logger.WithContext(ctx).Infof("Renewal sweep completed: due=%d renewed=%d failed=%d duration=%s",
		len(due), renewed, failed, time.Since(start))
}
