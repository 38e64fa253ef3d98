package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/yeepay/aigc-broker/internal/bootstrap"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/service"
	"go.uber.org/zap"
)

func runServe(c *cli.Context) error {
	appConfig, baseLogger, err := setup(c)
	if err != nil {
		return err
	}
	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	app, err := bootstrap.New(c.Context, appConfig, baseLogger)
	if err != nil {
		zap.L().Error("Error initializing the broker", zap.Error(err))
		return err
	}

	resumed, err := app.Broker.Recover(c.Context)
	if err != nil {
		zap.L().Error("Error recovering unfinished tasks", zap.Error(err))
	}
	zap.L().Info("Broker is ready", zap.Int("resumed", resumed), zap.Bool("healthy", app.Broker.Health(c.Context).OK()))

	// Wait for ctx cancelation
	<-c.Context.Done()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for running tasks to stop", zap.Int("running", app.Broker.Running()))

	shutdown(app)
	zap.L().Info("Graceful shutdown complete.")
	return nil
}

// shutdown gives runners _shutdownPeriod to stop and the adapters
// _shutdownHardPeriod to close after that
func shutdown(app *bootstrap.App) {
	ctx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()
	if err := app.Broker.Shutdown(ctx); err != nil {
		zap.L().Warn("Runners did not stop in time", zap.Error(err))
	}

	hardCtx, hardCancel := context.WithTimeout(context.Background(), _shutdownHardPeriod)
	defer hardCancel()
	if err := app.Close(hardCtx); err != nil {
		zap.L().Warn("Error closing adapters", zap.Error(err))
	}
}

func runMigrateUp(c *cli.Context) error {
	appConfig, baseLogger, err := setup(c)
	if err != nil {
		return err
	}
	_, closeStore, err := bootstrap.OpenStore(c.Context, appConfig.DB, baseLogger)
	if err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		return err
	}
	closeStore()
	return nil
}

func runSubmit(c *cli.Context) error {
	description := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if description == "" {
		return cli.Exit("a description is required", 2)
	}
	appConfig, baseLogger, err := setup(c)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(c.Context, appConfig, baseLogger)
	if err != nil {
		return err
	}
	defer shutdown(app)

	id, err := app.Broker.Submit(c.Context, service.SubmitRequest{
		Mode:        domain.Mode(c.String("mode")),
		Description: description,
		References:  c.StringSlice("ref"),
		Parameters:  json.RawMessage(c.String("params")),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(c.App.Writer, id)
	if !c.Bool("wait") {
		return nil
	}

	view, err := waitTerminal(c.Context, app.Broker, id, c.Duration("interval"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return err
	}
	if view.Status == domain.TaskStatusFailed {
		return cli.Exit(view.ErrorCode, 1)
	}
	return nil
}

func waitTerminal(ctx context.Context, broker *service.Broker, id string, interval time.Duration) (*service.TaskView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := broker.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runRecover(c *cli.Context) error {
	appConfig, baseLogger, err := setup(c)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(c.Context, appConfig, baseLogger)
	if err != nil {
		return err
	}
	defer shutdown(app)

	resumed, err := app.Broker.Recover(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "resumed %d task(s)\n", resumed)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for app.Broker.Running() > 0 {
		select {
		case <-c.Context.Done():
			if errors.Is(c.Context.Err(), context.Canceled) {
				fmt.Fprintln(os.Stderr, "interrupted, remaining tasks are left for the next recover")
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
