package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AgenticForge 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Credentials CredentialsConfig `json:"credentials"`
	JobQueue    JobQueueConfig    `json:"job_queue"`
	Events      EventsConfig      `json:"events"`
	LLM         LLMConfig         `json:"llm"`
	Agent       AgentConfig       `json:"agent"`
	Worker      WorkerConfig      `json:"worker"`
	Logger      LoggerConfig      `json:"logger"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 供 forge-worker 这类没有 API 面的进程单独暴露 /metrics，
// 留空则不启动。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述会话存储后端的连接信息。
type StorageConfig struct {
	SessionStore SessionStoreConfig `json:"session_store"`
}

// SessionStoreConfig 支持 memory 与 mysql 两种驱动。
type SessionStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// CredentialsConfig 描述凭证池的加载与持久化方式。
type CredentialsConfig struct {
	SeedFile string      `json:"seed_file"`
	Store    string      `json:"store"`
	Redis    RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接信息，供凭证存储、队列与事件广播复用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// JobQueueConfig 选择后台任务队列的驱动。
type JobQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisQueueCfg  `json:"redis"`
	RabbitMQ RabbitQueueCfg `json:"rabbitmq"`
}

// RedisQueueCfg 描述 Redis 队列参数。
type RedisQueueCfg struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitQueueCfg 描述 RabbitMQ 队列参数。
type RabbitQueueCfg struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	DeadLetter string `json:"dead_letter"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// EventsConfig 选择任务事件广播的驱动。多进程部署必须使用 redis，
// memory 仅在同一进程内可见。
type EventsConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// LLMConfig 描述模型提供商与默认回退层级。
type LLMConfig struct {
	Hierarchy []string         `json:"hierarchy"`
	Providers []ProviderConfig `json:"providers"`
}

// ProviderConfig 描述一个 OpenAI 兼容的提供商端点。
type ProviderConfig struct {
	Name           string `json:"name"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回该提供商的请求超时。
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentConfig 控制推理循环的预算与超时。
type AgentConfig struct {
	MaxIterations          int `json:"max_iterations"`
	ToolTimeoutSeconds     int `json:"tool_timeout_seconds"`
	ProviderTimeoutSeconds int `json:"provider_timeout_seconds"`
}

// WorkerConfig 控制后台任务执行的资源上限。
type WorkerConfig struct {
	JobTimeoutSeconds int `json:"job_timeout_seconds"`
	MaxOutputBytes    int `json:"max_output_bytes"`
	MaxRetries        int `json:"max_retries"`
}

// LoggerConfig 透传给 pkg/logger。
type LoggerConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ToolTimeout 返回行内工具的执行超时。
func (c AgentConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// ProviderTimeout 返回单次模型调用的超时。
func (c AgentConfig) ProviderTimeout() time.Duration {
	if c.ProviderTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// JobTimeout 返回后台任务的墙钟超时。
func (c WorkerConfig) JobTimeout() time.Duration {
	if c.JobTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.SessionStore.Driver == "" {
		c.Storage.SessionStore.Driver = "memory"
	}

	if c.Credentials.Store == "" {
		c.Credentials.Store = "memory"
	}
	if c.Credentials.SeedFile != "" && !filepath.IsAbs(c.Credentials.SeedFile) {
		c.Credentials.SeedFile = filepath.Join(baseDir, c.Credentials.SeedFile)
	}

	if c.JobQueue.Driver == "" {
		c.JobQueue.Driver = "memory"
	}
	if c.JobQueue.Worker <= 0 {
		c.JobQueue.Worker = 4
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if len(c.LLM.Providers) == 0 {
		c.LLM.Providers = []ProviderConfig{{Name: "openai"}}
	}
	if len(c.LLM.Hierarchy) == 0 {
		for _, provider := range c.LLM.Providers {
			c.LLM.Hierarchy = append(c.LLM.Hierarchy, provider.Name)
		}
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}

	if c.Worker.MaxOutputBytes <= 0 {
		c.Worker.MaxOutputBytes = 1 << 20
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
