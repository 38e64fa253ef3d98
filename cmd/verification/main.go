package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yeepay/aigc-broker/config/logger"
	redisConfig "github.com/yeepay/aigc-broker/config/storage/redis"
	config "github.com/yeepay/aigc-broker/config/utils"
	"github.com/yeepay/aigc-broker/internal/adapter/engine/comfyui"
	"github.com/yeepay/aigc-broker/internal/adapter/queue/rabbitmq"
	"github.com/yeepay/aigc-broker/internal/adapter/storage/minio"
	redisAdapter "github.com/yeepay/aigc-broker/internal/adapter/storage/redis"
	"github.com/yeepay/aigc-broker/internal/bootstrap"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Info("Starting Verification...")
	failed := 0
	check := func(name string, err error, fields ...zap.Field) {
		if err != nil {
			failed++
			log.Error("X "+name, append(fields, zap.Error(err))...)
			return
		}
		log.Info("✓ "+name, fields...)
	}

	// 2. Test the task store
	log.Info("--- Testing Task Store ---", zap.String("driver", appConfig.DB.Driver))
	store, closeStore, err := bootstrap.OpenStore(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to open the task store", zap.Error(err))
	}
	defer closeStore()

	task := &domain.Task{
		ID:          fmt.Sprintf("verification-%d", time.Now().Unix()),
		Mode:        domain.ModeTextOnly,
		Description: "Verification Task",
		Parameters:  "{}",
		CreatedAt:   time.Now().UTC(),
	}
	check("Store: Create Task", store.Create(ctx, task))
	if fetched, err := store.Get(ctx, task.ID); err != nil {
		check("Store: Get Task", err)
	} else {
		check("Store: Get Task", nil, zap.String("FetchedID", fetched.ID), zap.String("Status", string(fetched.Status)))
	}
	_, err = store.Delete(ctx, task.ID)
	check("Store: Delete Task", err)

	// 3. Test Redis
	if appConfig.Redis.Enabled {
		log.Info("--- Testing Redis ---")
		rdb, err := redisConfig.New(ctx, appConfig.Redis)
		if err != nil {
			check("Redis: Connect", err, zap.String("addr", appConfig.Redis.Addr))
		} else {
			cache := redisAdapter.NewViewCache(rdb, log)
			check("Redis: Set View", cache.SetTask(ctx, task.ID, []byte(`{}`), time.Minute))
			_, ok, err := cache.GetTask(ctx, task.ID)
			if err == nil && !ok {
				err = fmt.Errorf("view %s missing right after set", task.ID)
			}
			check("Redis: Get View", err)
			check("Redis: Invalidate", cache.InvalidateTask(ctx, task.ID))
			rdb.Close()
		}
	}

	// 4. Test RabbitMQ
	if appConfig.AMQP.Enabled {
		log.Info("--- Testing RabbitMQ ---")
		bus, err := rabbitmq.NewEventBus(ctx, appConfig.AMQP.URL, appConfig.AMQP.Exchange, appConfig.AMQP.InvalidationQueue, 3, log)
		if err != nil {
			check("RabbitMQ: Connection", err)
		} else {
			check("RabbitMQ: Publish", bus.PublishTaskEvent(ctx, domain.TaskEvent{TaskID: task.ID, Deleted: true}))
			bus.Close()
		}
	}

	// 5. Test MinIO
	if appConfig.MinIO.Enabled {
		log.Info("--- Testing MinIO ---")
		mirror, err := minio.NewArtifactMirror(ctx, appConfig.MinIO, log)
		if err != nil {
			check("MinIO: Connect", err, zap.String("endpoint", appConfig.MinIO.Endpoint))
		} else {
			probe := filepath.Join(os.TempDir(), task.ID+".txt")
			if err := os.WriteFile(probe, []byte("verification"), 0o644); err != nil {
				check("MinIO: Write Probe", err)
			} else {
				check("MinIO: Mirror", mirror.Mirror(ctx, task.ID, probe, filepath.Base(probe)))
				check("MinIO: Remove", mirror.Remove(ctx, task.ID))
				os.Remove(probe)
			}
		}
	}

	// 6. Test the engine
	log.Info("--- Testing Engine ---", zap.String("url", appConfig.Engine.URL))
	engine := comfyui.NewEngineClient(appConfig.Engine.URL, appConfig.Engine.ClientID, appConfig.Engine.Timeout, log)
	check("Engine: Health", engine.Health(ctx))
	if queue, err := engine.Queue(ctx); err != nil {
		check("Engine: Queue", err)
	} else {
		check("Engine: Queue", nil, zap.Int("Running", len(queue.Running)), zap.Int("Pending", len(queue.Pending)))
	}

	// 7. Test the admin source
	log.Info("--- Testing Admin Source ---", zap.String("source", appConfig.Admin.Source))
	source, err := bootstrap.ConfigSource(appConfig.Admin, log)
	if err != nil {
		check("Admin: Configure", err)
	} else {
		models, err := source.ListModels(ctx)
		check("Admin: List Models", err, zap.Int("Count", len(models)))
		templates, err := source.ListGraphTemplates(ctx)
		check("Admin: List Graph Templates", err, zap.Int("Count", len(templates)))
	}

	if failed > 0 {
		log.Warn("Verification Complete with failures.", zap.Int("failed", failed))
		os.Exit(1)
	}
	log.Info("Verification Complete.")
}
