package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// RedisStoreConfig 描述 Redis 任务存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore 将任务状态以 JSON 形式保存在 Redis 中。
// 状态迁移通过 WATCH 乐观锁保证跨进程的原子性。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 RedisStore。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agenticforge:job:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Create 写入新任务，已存在时返回冲突。
func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if j.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	payload, err := json.Marshal(j)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	ok, err := s.client.SetNX(ctx, s.key(j.ID), payload, s.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	if !ok {
		return ErrJobConflict
	}
	return nil
}

// Get 返回任务。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
	}
	return &j, nil
}

// mutate 在 WATCH 事务中读取、修改并写回任务。
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(j *Job) error) (*Job, error) {
	key := s.key(id)
	var latest *Job
	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		j.UpdatedAt = time.Now().Unix()
		payload, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		latest = &j
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}, key)
	if txErr != nil {
		return latest, txErr
	}
	return latest, nil
}

// Claim 将任务状态更新为运行中。
func (s *RedisStore) Claim(ctx context.Context, id string) (*Job, error) {
	var claimed *Job
	latest, err := s.mutate(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			claimed = cloneJob(j)
			return ErrJobFinished
		}
		if j.State == StateRunning {
			claimed = cloneJob(j)
			return ErrJobConflict
		}
		if j.Attempts >= j.MaxRetries {
			claimed = cloneJob(j)
			return ErrJobExhausted
		}
		j.State = StateRunning
		j.Attempts++
		return nil
	})
	if err != nil {
		return claimed, err
	}
	return latest, nil
}

// MarkCompleted 记录成功结果。
func (s *RedisStore) MarkCompleted(ctx context.Context, id string, result string) error {
	_, err := s.mutate(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return ErrJobFinished
		}
		j.State = StateCompleted
		j.Result = result
		j.LastError = ""
		j.ErrorCode = ""
		return nil
	})
	return err
}

// MarkFailed 标记任务失败。terminal 为 false 时任务回到排队状态等待重投。
func (s *RedisStore) MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error {
	_, err := s.mutate(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return ErrJobFinished
		}
		if terminal {
			j.State = StateFailed
		} else {
			j.State = StateQueued
		}
		j.LastError = lastError
		j.ErrorCode = code
		return nil
	})
	return err
}

// MarkCancelled 标记任务被取消。
func (s *RedisStore) MarkCancelled(ctx context.Context, id string, reason string) error {
	_, err := s.mutate(ctx, id, func(j *Job) error {
		if j.State.Terminal() {
			return ErrJobFinished
		}
		j.State = StateCancelled
		j.LastError = reason
		return nil
	})
	return err
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
