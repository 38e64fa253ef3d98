package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/yeepay/aigc-broker/config/logger"
	config "github.com/yeepay/aigc-broker/config/utils"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait for runners to stop gracefully
// _shutdownHardPeriod is time to wait before force closing adapters
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_shutdownHardPeriod  = 3 * time.Second
	_readinessDrainDelay = 2 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	if err := buildApp().RunContext(rootCtx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the config file named by --config and builds the global logger
func setup(c *cli.Context) (*config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")
	return appConfig, baseLogger, nil
}

func buildApp() *cli.App {
	return &cli.App{
		Name:  "aigc-broker",
		Usage: "compose, run and track AIGC generation tasks against the graph engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file, searched in . and /etc/secrets/ when empty",
				EnvVars: []string{"BROKER_CONFIG"},
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "recover unfinished tasks and run until signalled",
				Action: runServe,
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:   "up",
						Usage:  "apply pending migrations",
						Action: runMigrateUp,
					},
				},
			},
			{
				Name:      "submit",
				Usage:     "submit one task and follow it in process",
				ArgsUsage: "<description>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Value: "text_only", Usage: "text_only | single | fusion | edit | video | caption"},
					&cli.StringSliceFlag{Name: "ref", Usage: "reference image, repeatable"},
					&cli.StringFlag{Name: "params", Value: "{}", Usage: "parameters as a JSON object"},
					&cli.BoolFlag{Name: "wait", Value: true, Usage: "block until the task is terminal and print its view; an abandoned task is failed as lost by the next recover"},
					&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "status poll interval while waiting"},
				},
				Action: runSubmit,
			},
			{
				Name:   "recover",
				Usage:  "resume or fail the tasks a previous process left unfinished, then exit once resumed tasks finish",
				Action: runRecover,
			},
		},
	}
}
