package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/loyara/internal/clock"
	"github.com/smallbiznis/loyara/internal/config"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/loyara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Cfg       config.Config
	Repo      ledgerdomain.Repository
	LedgerSvc ledgerdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Sweeper periodically converts time-expired, still-unredeemed earned points
// into offsetting expired transactions. It writes only through the ledger
// service, so it competes under the same per-customer version check as live
// requests.
type Sweeper struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	cfg       config.SweeperConfig
	repo      ledgerdomain.Repository
	ledgerSvc ledgerdomain.Service
	metrics   *obsmetrics.Metrics
}

func New(p Params) (*Sweeper, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Cfg.Sweeper
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	return &Sweeper{
		db:        p.DB,
		log:       p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		clock:     p.Clock,
		cfg:       cfg,
		repo:      p.Repo,
		ledgerSvc: p.LedgerSvc,
		metrics:   p.Metrics,
	}, nil
}

func (s *Sweeper) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.metrics.IncSweepRun()
	err := fn(ctx)
	s.metrics.ObserveSweepDuration(time.Since(start))

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Sweeper) RunOnce(parent context.Context) error {
	return s.runJob(parent, "expire_points", s.cfg.JobTimeout, s.ExpirePointsJob)
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ExpirePointsJob pages through customers holding expired earned lots and
// writes one expired transaction per customer with an outstanding amount.
// A failure on one customer is logged and counted; the sweep moves on.
func (s *Sweeper) ExpirePointsJob(ctx context.Context) error {
	now := s.clock.Now()
	after := ""
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		customerIDs, err := s.repo.ExpiringCustomerIDs(ctx, s.db, now, after, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(customerIDs) == 0 {
			break
		}

		for _, customerID := range customerIDs {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			expired, err := s.sweepCustomer(ctx, customerID, now)
			if err != nil {
				s.metrics.IncSweepItemFailure()
				s.log.Warn("expiry sweep item failed",
					zap.String("customer_id", customerID),
					zap.Error(err),
				)
				jobErr = errors.Join(jobErr, fmt.Errorf("customer %s: %w", customerID, err))
				continue
			}
			if expired > 0 {
				s.metrics.AddSweepPointsExpired(expired)
				s.log.Info("expired points swept",
					zap.String("customer_id", customerID),
					zap.Int64("points", expired),
				)
			}
		}

		after = customerIDs[len(customerIDs)-1]
	}

	return jobErr
}

// sweepCustomer writes off the customer's outstanding expired amount. The
// ledger service folds the log and commits under the profile version check in
// one transaction; a conflict means a live request landed mid-apply, so the
// whole write-off rolled back and it is safe to retry a few times.
func (s *Sweeper) sweepCustomer(ctx context.Context, customerID string, now time.Time) (int64, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := s.ledgerSvc.ExpireOutstanding(ctx, ledgerdomain.ExpireOutstandingRequest{
			CustomerID: customerID,
			Now:        now,
		})
		if err == nil {
			return res.Outstanding, nil
		}
		if !errors.Is(err, ledgerdomain.ErrConcurrentUpdateConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}
