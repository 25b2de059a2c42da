// Package main is the entry point of the control-center service.
// It wires the fleet controller together and runs the periodic
// health, probe and maintenance schedules.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/YannisKiefer/control-center/internal/biz"
	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/service"
	zapLogger "github.com/YannisKiefer/control-center/pkg/log"
	"github.com/YannisKiefer/control-center/pkg/probe"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "control-center"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

// newProber provides the HTTP connectivity prober.
func newProber() biz.Prober {
	return probe.NewHTTPProber()
}

func newApp(logger log.Logger, fleet *conf.Fleet, svc *service.FleetService) *kratos.App {
	helper := log.NewHelper(logger)
	var crons *cron.Cron

	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.BeforeStart(func(ctx context.Context) error {
			if stats, err := svc.GetStats(ctx); err == nil {
				helper.Infow("msg", "fleet state at startup",
					"accounts", stats.TotalAccounts,
					"proxies", stats.TotalProxies,
					"spare_capacity", stats.SpareCapacity,
					"open_incidents", stats.OpenIncidents)
			} else {
				helper.Warnw("msg", "failed to read fleet state at startup", "error", err)
			}
			crons = StartFleetCrons(svc, fleet, logger)
			return nil
		}),
		kratos.BeforeStop(func(_ context.Context) error {
			if crons != nil {
				crons.Stop()
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize Zap logger from configuration
	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	// Create Kratos adapter for Zap logger
	logger := zapLogger.NewKratosAdapter(zapLog)

	// Add context fields to logger
	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	log.NewHelper(logger).Infow(
		"msg", "control-center service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"auto_failover", bc.Fleet.AutoFailover,
		"max_accounts_per_proxy", bc.Fleet.MaxAccountsPerProxy,
	)

	app, cleanup, err := wireApp(bc.Data, bc.Fleet, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
