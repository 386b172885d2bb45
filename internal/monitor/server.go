package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/analytics"
	"tradebot/internal/config"
	"tradebot/internal/ledger"
)

// Server 暴露监控 HTTP 接口:事件流水、组合快照、绩效汇总与实时推送。
type Server struct {
	cfg         config.ServerConfig
	service     *Service
	hub         *Hub
	snapshot    func() ledger.PortfolioSnapshot
	performance func() (analytics.Report, error)
	logger      *zap.Logger
	httpServer  *http.Server
}

// NewServer 组装监控服务端。snapshot 与 performance 由上层闭包注入,
// 避免监控层直接持有账本。
func NewServer(
	cfg config.ServerConfig,
	service *Service,
	hub *Hub,
	snapshot func() ledger.PortfolioSnapshot,
	performance func() (analytics.Report, error),
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:         cfg,
		service:     service,
		hub:         hub,
		snapshot:    snapshot,
		performance: performance,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/portfolio", s.handlePortfolio)
	mux.HandleFunc("/performance", s.handlePerformance)
	if hub != nil {
		mux.Handle("/ws", hub)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start 启动监控服务并随上下文取消优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("监控服务未启用")
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("监控服务启动", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("监控服务异常退出: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	events, err := s.service.RecentEvents(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, events)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.snapshot())
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	report, err := s.performance()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("写出响应失败", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Warn("监控接口处理失败", zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
