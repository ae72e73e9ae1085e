// Package bootstrap runs the fortify process lifecycle.
//
// NewApp validates a typed config and initializes the logger. Run starts
// the registered components (pool monitor, sweepers, metrics server) in
// registration order, runs the start and ready hooks, prints a startup
// summary, waits for SIGINT or SIGTERM and stops everything in reverse
// order within the graceful timeout.
//
//	app, err := bootstrap.NewApp(&cfg)
//	if err != nil {
//	    return err
//	}
//	app.RegisterComponent(sweeper)
//	return app.Run(ctx)
package bootstrap
