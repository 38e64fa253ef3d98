package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/yeepay/aigc-broker/config/logger"
	config "github.com/yeepay/aigc-broker/config/utils"
	"github.com/yeepay/aigc-broker/internal/bootstrap"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/service"
)

// defaultDuration is how long traffic is injected
// defaultInterval is the time between injected batches
const (
	defaultDuration = 5 * time.Minute
	defaultInterval = 5 * time.Second
)

var (
	prompts = []string{
		"A red cat sleeping on a windowsill",
		"A lighthouse at dusk, oil painting",
		"Isometric city block with neon signs",
		"A bowl of ramen, studio photo",
		"Mountain lake at sunrise, mist",
	}
	sizes = []string{"1024x1024", "768x1344", "1344x768", "512x512"}
)

type options struct {
	configPath string
	duration   time.Duration
	interval   time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildApp(simulate).RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildApp(run func(context.Context, options) error) *cli.App {
	return &cli.App{
		Name:  "simulation",
		Usage: "inject random text-to-image batches into an in-process broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file, searched in . and /etc/secrets/ when empty",
				EnvVars: []string{"BROKER_CONFIG"},
			},
			&cli.DurationFlag{
				Name:  "duration",
				Value: defaultDuration,
				Usage: "how long to inject traffic",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: defaultInterval,
				Usage: "time between injected batches",
			},
		},
		Action: func(c *cli.Context) error {
			opts := options{
				configPath: c.String("config"),
				duration:   c.Duration("duration"),
				interval:   c.Duration("interval"),
			}
			if opts.duration <= 0 || opts.interval <= 0 {
				return fmt.Errorf("duration and interval must be positive")
			}
			return run(c.Context, opts)
		},
	}
}

func simulate(ctx context.Context, opts options) error {
	appConfig, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	baseLogger := logger.Build(appConfig.Logger)
	app, err := bootstrap.New(ctx, appConfig, baseLogger)
	if err != nil {
		return fmt.Errorf("failed to build the broker: %w", err)
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		app.Shutdown(stopCtx)
	}()

	snap, err := app.Resolver.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("admin source unreachable: %w", err)
	}
	var models []string
	for _, m := range snap.Models {
		if m.Available && m.ModelType == domain.FamilyTextToImage {
			models = append(models, m.Code)
		}
	}
	if len(models) == 0 {
		return fmt.Errorf("no available text_to_image model in the catalogue")
	}

	fmt.Printf("🚀 Starting %s Text-to-Image Simulation...\n", opts.duration)
	fmt.Println("   Monitoring task transitions...")

	endTime := time.Now().Add(opts.duration)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	// Monitor stats in background
	go monitorTasks(ctx, app.Broker)

	taskCount := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n⏹  Simulation interrupted.")
			return nil
		case <-ticker.C:
			if time.Now().After(endTime) {
				fmt.Println("\n✅ Simulation Complete.")
				return nil
			}

			// Generate a batch of tasks
			batchSize := rand.IntN(5) + 1 // 1-5 tasks
			fmt.Printf("\n[Generator] Injecting %d new tasks...\n", batchSize)

			for range batchSize {
				taskCount++
				params := domain.CommonParams{
					Model: models[rand.IntN(len(models))],
					Size:  sizes[rand.IntN(len(sizes))],
					Count: rand.IntN(2) + 1,
				}
				// Fixed seeds exercise the batch path
				if rand.Float64() < 0.3 {
					seed := rand.Int64N(domain.MaxSeed) + 1
					params.Seed = &seed
				}
				raw, _ := json.Marshal(params)

				id, err := app.Broker.Submit(ctx, service.SubmitRequest{
					Mode:        domain.ModeTextOnly,
					Description: fmt.Sprintf("%s #%d", prompts[rand.IntN(len(prompts))], taskCount),
					Parameters:  raw,
				})
				if err != nil {
					log.Printf("Failed to submit task %d: %v", taskCount, err)
					continue
				}
				fmt.Printf("   📥 %s model=%s size=%s count=%d\n", id, params.Model, params.Size, params.Count)
			}
		}
	}
}

func monitorTasks(ctx context.Context, broker *service.Broker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := map[string]domain.TaskStatus{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, err := broker.ListTasks(ctx, domain.ListQuery{Limit: 100, Window: domain.WindowToday})
		if err != nil {
			log.Println("Monitor error:", err)
			continue
		}
		for _, t := range page.Tasks {
			if seen[t.ID] == t.Status {
				continue
			}
			seen[t.ID] = t.Status
			switch t.Status {
			case domain.TaskStatusProcessing:
				fmt.Printf("   ⚙️  %s submitted as %s\n", t.ID, t.SubmissionID)
			case domain.TaskStatusCompleted:
				fmt.Printf("   ✅ %s -> %v\n", t.ID, t.Result)
			case domain.TaskStatusFailed:
				fmt.Printf("   ❌ %s %s: %s\n", t.ID, t.ErrorCode, t.ErrorDetail)
			}
		}
		fmt.Printf("   👀 running=%d listed=%d\n", broker.Running(), page.Total)
	}
}
