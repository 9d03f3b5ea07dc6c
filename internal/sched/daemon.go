// Package sched runs the synchronization engine on a cron schedule.
package sched

import (
	"context"
	"time"

	"github.com/alecthomas/errors"
	"github.com/go-co-op/gocron/v2"

	"github.com/po4yka/gitout/internal/config"
	"github.com/po4yka/gitout/internal/healthcheck"
	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/syncer"
)

// Daemon periodically re-reads the configuration and performs a full
// synchronization run. A tick that fires while the previous run is still in
// flight is rescheduled rather than stacked.
type Daemon struct {
	ConfigPath string
	Options    syncer.Options
}

// Run blocks until ctx is cancelled, executing one synchronization per cron
// tick of the schedule found in the config at ConfigPath.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.ConfigPath, config.ParseEnvars())
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger := logging.FromContext(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.CronJob(cfg.Schedule.Cron, false),
		gocron.NewTask(func() { d.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrapf(err, "schedule %q", cfg.Schedule.Cron)
	}

	logger.Info("Daemon started", "schedule", cfg.Schedule.Cron)
	scheduler.Start()

	<-ctx.Done()
	logger.Info("Daemon stopping")
	if err := scheduler.Shutdown(); err != nil {
		return errors.Wrap(err, "shutdown scheduler")
	}
	return nil
}

// tick performs one scheduled run. The configuration is re-read on every
// tick so edits take effect without a restart, except the cron schedule,
// which Run reads once at startup.
func (d *Daemon) tick(ctx context.Context) {
	logger := logging.FromContext(ctx)

	cfg, err := config.Load(d.ConfigPath, config.ParseEnvars())
	if err != nil {
		logger.Error("Skipping run: config reload failed", "error", err)
		return
	}

	pinger := healthcheck.New(cfg.Healthcheck)
	pinger.Start(ctx)

	start := time.Now()
	report, err := syncer.PerformSync(ctx, cfg, d.Options)
	switch {
	case err != nil && report == nil:
		logger.Error("Synchronization run failed", "error", err)
		pinger.Fail(ctx)
	case err != nil:
		pinger.Fail(ctx)
	default:
		pinger.Success(ctx)
	}
	logger.Debug("Scheduled run finished", "elapsed", time.Since(start).Round(time.Millisecond))
}
