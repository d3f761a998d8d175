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

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/agent"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/api"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/config"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/credential"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm/openai"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/observability/metrics"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// main 是 forged 守护进程的入口：API 服务加上进程内的任务执行器。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("forged 运行失败: %v", err)
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

	recorder := metrics.NewRecorder()

	pool, err := buildCredentialPool(ctx, cfg, recorder)
	if err != nil {
		return err
	}

	providers, err := buildProviderRegistry(cfg)
	if err != nil {
		return err
	}
	invoker := llm.NewInvoker(pool, providers, cfg.Agent.ProviderTimeout())

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	tools, err := buildToolRegistry(cfg)
	if err != nil {
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

	bridge := job.NewBridge(jobs, queue, broker, cfg.Worker.MaxRetries)

	worker := job.NewWorker(toolExecutor(tools), jobs, queue, queue, broker,
		job.WithWorkerCount(cfg.JobQueue.Worker),
		job.WithJobTimeout(cfg.Worker.JobTimeout()),
		job.WithMaxOutputBytes(int64(cfg.Worker.MaxOutputBytes)),
		job.WithStateRecorder(recorder),
		job.WithWorkerLogger(logger.Named("worker")),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务执行器异常退出: %v", err)
		}
	}()

	loop := agent.New(invoker, tools, sessions,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithJobBridge(bridge),
		agent.WithLogger(logger.Named("agent")),
	)

	server := api.NewServer(cfg.Server.Address, loop, sessions, bridge, cfg.LLM.Hierarchy)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildCredentialPool 装配凭证池：种子文件提供初始凭证，
// 存储负责健康状态在重启之间的持久化。
func buildCredentialPool(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder) (*credential.Pool, error) {
	var seeds []credential.Credential
	if cfg.Credentials.SeedFile != "" {
		loaded, err := credential.LoadSeedFile(cfg.Credentials.SeedFile)
		if err != nil {
			return nil, err
		}
		seeds = loaded
	}

	opts := []credential.PoolOption{credential.WithUsageRecorder(recorder)}
	switch cfg.Credentials.Store {
	case "", "memory":
		opts = append(opts, credential.WithStore(credential.NewMemoryStore()))
	case "redis":
		store, err := credential.NewRedisStore(credential.RedisStoreConfig{
			Address:  cfg.Credentials.Redis.Address,
			Password: cfg.Credentials.Redis.Password,
			DB:       cfg.Credentials.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, credential.WithStore(store))
	default:
		return nil, fmt.Errorf("未知的凭证存储驱动: %s", cfg.Credentials.Store)
	}

	pool := credential.NewPool(seeds, opts...)
	if err := pool.Restore(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

func buildProviderRegistry(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	for _, provider := range cfg.LLM.Providers {
		client := openai.NewClient(openai.Config{
			BaseURL: provider.BaseURL,
			Timeout: provider.Timeout(),
		})
		if err := registry.Register(provider.Name, client); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.SessionStore.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "mysql":
		return session.NewMySQLStore(session.MySQLConfig{
			DSN:             cfg.Storage.SessionStore.DSN,
			MaxOpenConns:    cfg.Storage.SessionStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.SessionStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.SessionStore.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.SessionStore.Driver)
	}
}

func buildToolRegistry(cfg *config.Config) (*tool.Registry, error) {
	registry := tool.NewRegistry()
	registry.WithDefaultTimeout(cfg.Agent.ToolTimeout())
	if err := registry.Register(tool.NewShellTool(cfg.Runtime.DataDir)); err != nil {
		return nil, err
	}
	if err := registry.Register(tool.NewDetachedShellTool(cfg.Runtime.DataDir)); err != nil {
		return nil, err
	}
	return registry, nil
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

// buildJobStore 在使用分布式队列时把任务状态放进 Redis，
// 以便多个进程共享领取与终态信息。
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

// toolExecutor 把工具注册表适配为任务执行器。
func toolExecutor(tools *tool.Registry) job.Executor {
	return func(ctx context.Context, j *job.Job, progress func(chunk string)) (string, error) {
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
}
