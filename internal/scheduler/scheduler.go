// Package scheduler runs the periodic ledger sweeps: rolling over balances
// whose reset boundary has passed. A redis lock keeps a single runner active
// across replicas.
package scheduler

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/clock"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	"github.com/meterline/meterline/internal/locker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const rolloverLockKey = "scheduler:rollover"

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Locker *locker.Locker `optional:"true"`
	Ledger *ledgerservice.Service
	Config Config `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	locker *locker.Locker
	ledger *ledgerservice.Service
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:    p.Log.Named("scheduler"),
		cfg:    p.Config.withDefaults(),
		clock:  p.Clock,
		locker: p.Locker,
		ledger: p.Ledger,
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Warn("scheduler pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce takes the cluster lock and drains one batch of due rollovers.
// Losing the lock race is not an error: another replica is sweeping.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, rolloverLockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			_ = s.locker.Release(context.WithoutCancel(ctx), rolloverLockKey, token)
		}()
	}

	started := s.clock.Now()
	rolled, err := s.ledger.RolloverDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if rolled > 0 {
		s.log.Info("rolled over due balances",
			zap.Int("count", rolled),
			zap.Duration("took", time.Since(started)))
	}
	return nil
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(runScheduler),
)

func runScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
