// =============================================================================
// 文件: cmd/relaymux/app.go
// 描述: 应用生命周期 - 按模式组装中继或隧道节点，以及指标与健康检查
// =============================================================================
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/relaymux/internal/config"
	"github.com/mrcgq/relaymux/internal/metrics"
	"github.com/mrcgq/relaymux/internal/session"
	"github.com/mrcgq/relaymux/internal/transport"
	"github.com/mrcgq/relaymux/internal/tunnel"
)

// Application 应用
type Application struct {
	config *config.Config
	logger *zap.Logger

	metricsServer  *metrics.MetricsServer
	sessionMetrics *metrics.SessionMetrics
	health         *metrics.HealthRegistry

	// relay 模式
	relay *transport.RelayServer

	// tunnel 模式
	client  *transport.MultiClient
	handler *session.Handler
	tunnel  *tunnel.Tunnel
}

// NewApplication 创建应用
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: logger,
		health: metrics.NewHealthRegistry(Version),
	}

	if cfg.Metrics.Enabled {
		app.metricsServer = metrics.NewMetricsServer(metrics.ServerConfig{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			EnablePprof: cfg.Metrics.EnablePprof,
		}, app.health, logger)
	}

	var err error
	switch cfg.Mode {
	case config.ModeRelay:
		err = app.initRelay()
	case config.ModeTunnel:
		err = app.initTunnel()
	default:
		err = fmt.Errorf("未知的运行模式: %s", cfg.Mode)
	}
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

func (a *Application) initRelay() error {
	a.relay = transport.NewRelayServer(a.config.Relay.ToRelayConfig(), a.logger)

	if a.metricsServer != nil {
		a.metricsServer.MustRegisterCollector(metrics.NewRelayCollector(a.relay))
	}
	a.health.Register("relay", func() metrics.ComponentHealth {
		stats := a.relay.GetStats()
		return metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("connections: %d, routes: %d", stats.ActiveConns, stats.Routes),
		}
	})
	return nil
}

func (a *Application) initTunnel() error {
	clientCfg, err := a.config.ToMultiClientConfig()
	if err != nil {
		return err
	}
	a.client, err = transport.NewMultiClient(clientCfg, a.logger)
	if err != nil {
		return fmt.Errorf("创建中继客户端失败: %w", err)
	}

	sc := a.config.Session
	a.handler = session.NewHandler(a.config.Identity, a.client, sc.ToSessionConfig(), a.logger)
	a.handler.SetIncomingPreferences(sc.MTU, sc.WindowSize, sc.Paths)
	a.client.SetReceiver(a.handler)

	a.tunnel, err = tunnel.New(tunnel.FromConfig(&a.config.Tunnel), a.handler, a.logger)
	if err != nil {
		return fmt.Errorf("创建隧道失败: %w", err)
	}

	if a.metricsServer != nil {
		a.sessionMetrics = metrics.NewSessionMetrics(a.metricsServer.Registry())
		a.handler.SetObserver(a.sessionMetrics)
		a.tunnel.SetRecorder(a.sessionMetrics)
		a.metricsServer.MustRegisterCollector(metrics.NewHandlerCollector(a.handler))
	}

	a.health.Register("transport", func() metrics.ComponentHealth {
		stats := a.client.GetStats()
		paths, _ := stats["paths"].(int)
		connected, _ := stats["connected"].(int)
		switch {
		case paths == 0:
			return metrics.ComponentHealth{Status: metrics.StatusDegraded, Message: "no paths"}
		case connected == 0:
			return metrics.ComponentHealth{Status: metrics.StatusUnhealthy, Message: "all paths disconnected"}
		case connected < paths:
			return metrics.ComponentHealth{
				Status:  metrics.StatusDegraded,
				Message: fmt.Sprintf("connected %d/%d", connected, paths),
			}
		}
		return metrics.ComponentHealth{Status: metrics.StatusHealthy, Message: fmt.Sprintf("connected %d/%d", connected, paths)}
	})
	a.health.Register("sessions", func() metrics.ComponentHealth {
		stats := a.handler.GetStats()
		return metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("active: %v", stats["active_sessions"]),
		}
	})
	return nil
}

// Start 启动全部组件
func (a *Application) Start(ctx context.Context) error {
	if a.metricsServer != nil {
		if err := a.metricsServer.Start(ctx); err != nil {
			return err
		}
	}

	switch a.config.Mode {
	case config.ModeRelay:
		return a.relay.Start(ctx)

	case config.ModeTunnel:
		// 预先打开路径，使本端可被拨入
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.handler.EnsurePaths(dialCtx, a.config.Session.Paths)
		cancel()
		if err != nil {
			return fmt.Errorf("连接中继失败: %w", err)
		}
		return a.tunnel.Start(ctx)
	}
	return nil
}

// Shutdown 按依赖逆序关闭
func (a *Application) Shutdown() {
	if a.metricsServer != nil {
		a.metricsServer.Drain()
	}

	if a.tunnel != nil {
		a.tunnel.Close()
	}
	if a.handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.handler.Close(ctx); err != nil {
			a.logger.Warn("会话未全部正常关闭", zap.Error(err))
		}
		cancel()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.relay != nil {
		a.relay.Stop()
	}

	if a.metricsServer != nil {
		a.metricsServer.Stop()
	}
}
