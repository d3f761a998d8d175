package session

import (
	"context"
	"sync"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// ErrSessionNotFound 表示指定的会话不存在。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")

// Store 抽象会话的持久化接口。循环在启动时读取一次，
// 每完成一步回写一次，崩溃最多丢失未保存的那一步。
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Close() error
}

// MemoryStore 以内存方式保存会话，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Load 返回会话副本。
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Save 覆盖写入会话。
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
