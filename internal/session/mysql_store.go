package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 会话存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用真实的 MySQL 数据库存储会话，历史以 JSON 落库。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS sessions (
        id VARCHAR(64) PRIMARY KEY,
        history LONGTEXT NOT NULL,
        provider_hierarchy TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        last_activity_at BIGINT NOT NULL,
        INDEX idx_last_activity (last_activity_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 sessions 表失败: %w", err)
	}
	return nil
}

// Load 读取指定会话并还原历史。
func (s *MySQLStore) Load(ctx context.Context, id string) (*Session, error) {
	const stmt = `SELECT id, history, provider_hierarchy, created_at, last_activity_at
        FROM sessions WHERE id = ?`

	var (
		sess         Session
		historyJSON  string
		providerJSON string
	)
	row := s.db.QueryRowContext(ctx, stmt, id)
	if err := row.Scan(&sess.ID, &historyJSON, &providerJSON, &sess.CreatedAt, &sess.LastActivityAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("解析会话历史失败: %w", err)
	}
	if err := json.Unmarshal([]byte(providerJSON), &sess.ProviderHierarchy); err != nil {
		return nil, fmt.Errorf("解析提供商层级失败: %w", err)
	}
	return &sess, nil
}

// Save 以读改写的方式覆盖会话。
func (s *MySQLStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session 不能为空")
	}

	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("序列化会话历史失败: %w", err)
	}
	providerJSON, err := json.Marshal(sess.ProviderHierarchy)
	if err != nil {
		return fmt.Errorf("序列化提供商层级失败: %w", err)
	}

	const stmt = `INSERT INTO sessions (id, history, provider_hierarchy, created_at, last_activity_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE history = VALUES(history),
            provider_hierarchy = VALUES(provider_hierarchy),
            last_activity_at = VALUES(last_activity_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		sess.ID,
		string(historyJSON),
		string(providerJSON),
		sess.CreatedAt,
		sess.LastActivityAt,
	); err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
