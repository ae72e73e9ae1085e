// Command fortify runs the resilience layer as a service process: the pool
// monitor, the limiter and cache sweepers and the metrics endpoint run until
// SIGINT or SIGTERM. With -simulate N it instead sends N synthetic requests
// through the guard, logs a report and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kbukum/fortify/bootstrap"
	"github.com/kbukum/fortify/config"
	"github.com/kbukum/fortify/logger"
)

const serviceName = "fortify"

type flags struct {
	configFile string
	envFile    string
	simulate   int
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "path to config.yml (searched for when empty)")
	flag.StringVar(&f.envFile, "env", "", "path to .env (searched for when empty)")
	flag.IntVar(&f.simulate, "simulate", -1, "send N synthetic requests and exit; overrides simulation.requests")
	flag.Parse()

	if err := run(context.Background(), f); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*Config, error) {
	var opts []config.LoaderOption
	if f.configFile != "" {
		opts = append(opts, config.WithConfigFile(f.configFile))
	}
	if f.envFile != "" {
		opts = append(opts, config.WithEnvFile(f.envFile))
	}

	var cfg Config
	if err := config.LoadConfig(serviceName, &cfg, opts...); err != nil {
		return nil, err
	}
	if f.simulate >= 0 {
		cfg.Simulation.Requests = f.simulate
	}
	return &cfg, nil
}

func run(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	app, err := bootstrap.NewApp(cfg)
	if err != nil {
		return err
	}

	svc, err := newService(ctx, cfg, app.Logger)
	if err != nil {
		return err
	}
	for _, c := range svc.components {
		if err := app.RegisterComponent(c); err != nil {
			return err
		}
	}
	svc.server.ServeHealth(app.Components.Report)
	app.OnStop(svc.shutdown)

	if cfg.Simulation.Requests == 0 {
		return app.Run(ctx)
	}

	return app.RunTask(ctx, func(ctx context.Context) error {
		report, err := svc.simulate(ctx)
		if err != nil {
			return err
		}
		fields := logger.Fields(
			"requests", report.Requests,
			"succeeded", report.Succeeded,
			"elapsed_ms", report.Elapsed.Milliseconds(),
			"cache_hit_ratio", svc.cache.HitRatio(),
			"shards", svc.pool.Len(),
		)
		for code, n := range report.Failures {
			fields["failed_"+string(code)] = n
		}
		app.Logger.Info("Simulation complete", fields)
		return nil
	})
}
