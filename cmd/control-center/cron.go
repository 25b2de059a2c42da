package main

import (
	"context"
	"fmt"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartFleetCrons registers and starts the periodic fleet schedules:
// the account health sweep and proxy probe sweep at their configured
// intervals, daily maintenance at 02:00 and weekly maintenance on
// Sunday at 03:00.
func StartFleetCrons(svc *service.FleetService, fleet *conf.Fleet, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	healthEvery := fmt.Sprintf("@every %s", fleet.HealthCheckInterval.AsDuration())
	if _, err := c.AddFunc(healthEvery, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := svc.RunHealthCheck(ctx); err != nil {
			helper.Errorw("msg", "scheduled health check failed", "error", err)
		}
	}); err != nil {
		helper.Errorw("msg", "failed to register health check schedule", "error", err)
	}

	probeEvery := fmt.Sprintf("@every %s", fleet.ProxyTestInterval.AsDuration())
	if _, err := c.AddFunc(probeEvery, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := svc.TestAllProxies(ctx); err != nil {
			helper.Errorw("msg", "scheduled proxy sweep failed", "error", err)
		}
	}); err != nil {
		helper.Errorw("msg", "failed to register proxy sweep schedule", "error", err)
	}

	// Daily maintenance at 02:00 (sec min hour dom month dow)
	if _, err := c.AddFunc("0 0 2 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if _, err := svc.RunDailyMaintenance(ctx); err != nil {
			helper.Errorw("msg", "daily maintenance workflow failed", "error", err)
		}
	}); err != nil {
		helper.Errorw("msg", "failed to register daily maintenance schedule", "error", err)
	}

	// Weekly maintenance on Sunday at 03:00
	if _, err := c.AddFunc("0 0 3 * * 0", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()

		if _, err := svc.RunWeeklyMaintenance(ctx); err != nil {
			helper.Errorw("msg", "weekly maintenance workflow failed", "error", err)
		}
	}); err != nil {
		helper.Errorw("msg", "failed to register weekly maintenance schedule", "error", err)
	}

	c.Start()
	helper.Infow("msg", "fleet schedules started",
		"health_check", healthEvery,
		"proxy_sweep", probeEvery)

	return c
}
