// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与健康检查 HTTP 服务 - /metrics、/health 及探针
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig 指标服务配置
type ServerConfig struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	EnablePprof bool
}

// MetricsServer 指标服务器
type MetricsServer struct {
	cfg      ServerConfig
	registry *prometheus.Registry
	health   *HealthRegistry
	sugar    *zap.SugaredLogger

	draining int32

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewMetricsServer 创建指标服务器，health 为空时使用只有版本信息的注册表
func NewMetricsServer(cfg ServerConfig, health *HealthRegistry, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if health == nil {
		health = NewHealthRegistry("")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	return &MetricsServer{
		cfg:      cfg,
		registry: registry,
		health:   health,
		sugar:    logger.Named("metrics").Sugar(),
	}
}

// Registry 指标注册表，供各组件注册自身指标
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// Health 健康检查注册表
func (s *MetricsServer) Health() *HealthRegistry {
	return s.health
}

// MustRegisterCollector 注册收集器，重复注册时 panic
func (s *MetricsServer) MustRegisterCollector(cs ...prometheus.Collector) {
	s.registry.MustRegister(cs...)
}

// Handler 返回路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := map[string]http.HandlerFunc{
		s.cfg.HealthPath:            s.handleHealth,
		s.cfg.HealthPath + "/live":  s.handleLiveness,
		s.cfg.HealthPath + "/ready": s.handleReadiness,
	}
	for path, fn := range routes {
		mux.HandleFunc(path, fn)
	}
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start 监听并在后台提供服务，ctx 结束时停止
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("监听 metrics 端口失败: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.sugar.Errorf("服务器错误: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.sugar.Infof("指标服务已启动: %s%s", ln.Addr(), s.cfg.MetricsPath)
	return nil
}

// Addr 实际监听地址，未启动时返回空
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Drain 进入下线状态，就绪探针开始失败
func (s *MetricsServer) Drain() {
	atomic.StoreInt32(&s.draining, 1)
}

// Stop 停止服务器
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// handleHealth 返回 JSON 健康状态，unhealthy 时为 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleLiveness 进程仍在提供服务即存活
func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

// handleReadiness 下线中或 unhealthy 时未就绪
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("DRAINING"))
		return
	}
	if s.health.Check().Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.Write([]byte("READY"))
}
