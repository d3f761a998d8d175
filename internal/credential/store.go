package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store 抽象凭证状态的持久化接口，让凭证健康在进程重启后得以保留。
type Store interface {
	Load(ctx context.Context) ([]Credential, error)
	Save(ctx context.Context, creds []Credential) error
	Close() error
}

// MemoryStore 以内存方式保存凭证，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	creds []Credential
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 实现 Store 接口。
func (m *MemoryStore) Load(_ context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, len(m.creds))
	copy(out, m.creds)
	return out, nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, creds []Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = make([]Credential, len(creds))
	copy(m.creds, creds)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// RedisStoreConfig 描述 Redis 凭证存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStore 将凭证以 JSON 列表形式保存在 Redis 中。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 凭证存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "agenticforge:llm_credentials"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load 读取整张凭证列表。
func (s *RedisStore) Load(ctx context.Context) ([]Credential, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取凭证列表失败: %w", err)
	}
	creds := make([]Credential, 0, len(raw))
	for _, item := range raw {
		var cred Credential
		if err := json.Unmarshal([]byte(item), &cred); err != nil {
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Save 以删除重建的方式覆盖整张凭证列表。
func (s *RedisStore) Save(ctx context.Context, creds []Credential) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(creds) > 0 {
		values := make([]interface{}, 0, len(creds))
		for _, cred := range creds {
			encoded, err := json.Marshal(cred)
			if err != nil {
				return fmt.Errorf("序列化凭证失败: %w", err)
			}
			values = append(values, string(encoded))
		}
		pipe.RPush(ctx, s.key, values...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入凭证列表失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ensure interface compliance at compile time
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
