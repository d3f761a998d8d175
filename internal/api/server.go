package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/agent"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/observability/metrics"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
)

// Server 负责暴露 REST 接口，供外部提交目标、查询任务并发起取消与中断。
type Server struct {
	addr      string
	loop      *agent.Loop
	sessions  session.Store
	bridge    *job.Bridge
	hierarchy []string
}

// NewServer 构造 API 服务实例。hierarchy 是新会话的默认提供商层级。
func NewServer(addr string, loop *agent.Loop, sessions session.Store, bridge *job.Bridge, hierarchy []string) *Server {
	return &Server{addr: addr, loop: loop, sessions: sessions, bridge: bridge, hierarchy: hierarchy}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/goals", s.handleGoals)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobs)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessions)
	mux.Handle("/metrics", metrics.Handler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, withMetrics(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// goalRequest 是提交目标的请求体。SessionID 为空时创建新会话。
type goalRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Goal      string `json:"goal"`
}

// goalResponse 汇总一次同步执行的结果。
type goalResponse struct {
	SessionID  string `json:"session_id"`
	Answer     string `json:"answer"`
	State      string `json:"state"`
	Iterations int    `json:"iterations"`
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.loop == nil || s.sessions == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		http.Error(w, "goal 不能为空", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := s.loadOrCreateSession(ctx, req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result, err := s.loop.Run(ctx, sess, req.Goal)
	if err != nil && result == nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(goalResponse{
		SessionID:  sess.ID,
		Answer:     result.Answer,
		State:      string(result.State),
		Iterations: result.Iterations,
	})
}

// handleJobs 处理 /api/v1/jobs/{id} 与 /api/v1/jobs/{id}/cancel。
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "任务桥未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		j, err := s.bridge.State(ctx, jobID)
		if err != nil {
			if stdErrors.Is(err, job.ErrJobNotFound) {
				http.Error(w, "任务不存在", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(j)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.bridge.Cancel(ctx, jobID); err != nil {
			switch {
			case stdErrors.Is(err, job.ErrJobNotFound):
				http.Error(w, "任务不存在", http.StatusNotFound)
			case stdErrors.Is(err, job.ErrJobFinished):
				http.Error(w, "任务已结束", http.StatusConflict)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

// handleSessions 处理 /api/v1/sessions/{id}/interrupt 与会话查询。
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	sessionID, action, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		http.Error(w, "缺少会话 ID", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		if s.sessions == nil {
			http.Error(w, "会话存储未初始化", http.StatusServiceUnavailable)
			return
		}
		sess, err := s.sessions.Load(ctx, sessionID)
		if err != nil {
			if stdErrors.Is(err, session.ErrSessionNotFound) {
				http.Error(w, "会话不存在", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	case action == "interrupt" && r.Method == http.MethodPost:
		if s.bridge == nil {
			http.Error(w, "任务桥未初始化", http.StatusServiceUnavailable)
			return
		}
		if err := s.bridge.Interrupt(ctx, sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

func (s *Server) loadOrCreateSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return session.New("", s.hierarchy), nil
	}
	sess, err := s.sessions.Load(ctx, id)
	if err == nil {
		return sess, nil
	}
	if stdErrors.Is(err, session.ErrSessionNotFound) {
		return session.New(id, s.hierarchy), nil
	}
	return nil, err
}

// statusRecorder 捕获响应状态码供指标统计。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 记录每个请求的状态码与耗时。
func withMetrics(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(metricHandlerName(r.URL.Path), r.Method, recorder.status, time.Since(start))
	})
}

// metricHandlerName 把带 ID 的路径折叠为固定标签，避免指标基数爆炸。
func metricHandlerName(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/jobs/"):
		return "/api/v1/jobs/{id}"
	case strings.HasPrefix(path, "/api/v1/sessions/"):
		return "/api/v1/sessions/{id}"
	default:
		return path
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
