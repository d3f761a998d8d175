package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/config"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/observability/metrics"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// main 是独立任务执行进程的入口。与 forged 共用同一份配置，
// 多实例部署时队列与任务存储必须使用分布式驱动。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("forge-worker 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTICFORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "forge.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		AuditPath:   cfg.Logger.AuditPath,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	tools := tool.NewRegistry()
	tools.WithDefaultTimeout(cfg.Agent.ToolTimeout())
	if err := tools.Register(tool.NewShellTool(cfg.Runtime.DataDir)); err != nil {
		return err
	}
	if err := tools.Register(tool.NewDetachedShellTool(cfg.Runtime.DataDir)); err != nil {
		return err
	}

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭任务队列失败: %v", err)
		}
	}()

	broker, err := buildBroker(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	jobs, err := buildJobStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = jobs.Close() }()

	executor := func(ctx context.Context, j *job.Job, progress func(chunk string)) (string, error) {
		args, err := tools.Validate(j.Task.Tool, j.Task.Args)
		if err != nil {
			return "", err
		}
		return tools.Execute(ctx, j.Task.Tool, args, &tool.Context{
			SessionID: j.OwnerSessionID,
			JobID:     j.ID,
			Logger:    logger.Named("worker"),
			Progress:  progress,
		})
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	worker := job.NewWorker(executor, jobs, queue, queue, broker,
		job.WithWorkerCount(cfg.JobQueue.Worker),
		job.WithJobTimeout(cfg.Worker.JobTimeout()),
		job.WithMaxOutputBytes(int64(cfg.Worker.MaxOutputBytes)),
		job.WithStateRecorder(metrics.NewRecorder()),
		job.WithWorkerLogger(logger.Named("worker")),
	)
	return worker.Start(ctx)
}

func buildQueue(cfg *config.Config) (job.Queue, error) {
	switch cfg.JobQueue.Driver {
	case "", "memory":
		return job.NewMemoryQueue(1024), nil
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.JobQueue.Redis.Address,
			Password:  cfg.JobQueue.Redis.Password,
			DB:        cfg.JobQueue.Redis.DB,
			Queue:     cfg.JobQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.JobQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:                cfg.JobQueue.RabbitMQ.URL,
			Queue:              cfg.JobQueue.RabbitMQ.Queue,
			Prefetch:           cfg.JobQueue.RabbitMQ.Prefetch,
			Durable:            cfg.JobQueue.RabbitMQ.Durable,
			AutoDelete:         cfg.JobQueue.RabbitMQ.AutoDelete,
			DeadLetterExchange: cfg.JobQueue.RabbitMQ.DeadLetter,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.JobQueue.Driver)
	}
}

func buildBroker(cfg *config.Config) (job.Broker, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return job.NewMemoryBroker(), nil
	case "redis":
		return job.NewRedisBroker(job.RedisBrokerConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func buildJobStore(cfg *config.Config) (job.Store, error) {
	if cfg.JobQueue.Driver == "" || cfg.JobQueue.Driver == "memory" {
		return job.NewMemoryStore(), nil
	}
	return job.NewRedisStore(job.RedisStoreConfig{
		Address:  cfg.JobQueue.Redis.Address,
		Password: cfg.JobQueue.Redis.Password,
		DB:       cfg.JobQueue.Redis.DB,
	})
}
