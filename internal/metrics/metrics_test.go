// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 指标、收集器与健康检查服务测试
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrcgq/relaymux/internal/session"
	"github.com/mrcgq/relaymux/internal/transport"
)

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("抓取失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestSessionMetricsAndCollector(t *testing.T) {
	hub := transport.NewMemHub(transport.MemHubConfig{})
	defer hub.Close()

	cfg := session.DefaultConfig()
	cfg.TickInterval = 2 * time.Millisecond
	cfg.HandshakeInterval = 50 * time.Millisecond

	ea := hub.Endpoint("alice", 2)
	eb := hub.Endpoint("bob", 2)
	alice := session.NewHandler("alice", ea, cfg, nil)
	bob := session.NewHandler("bob", eb, cfg, nil)
	ea.SetReceiver(alice)
	eb.SetReceiver(bob)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		alice.Close(ctx)
		bob.Close(ctx)
	}()

	server := NewMetricsServer(ServerConfig{}, nil, nil)
	m := NewSessionMetrics(server.Registry())
	alice.SetObserver(m)
	server.MustRegisterCollector(NewHandlerCollector(alice))

	accepted := make(chan *session.Session, 1)
	bob.OnSessionRequest(func(s *session.Session) bool {
		accepted <- s
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bob.EnsurePaths(ctx, 2); err != nil {
		t.Fatalf("打开路径失败: %v", err)
	}
	s, err := alice.Dial(ctx, "bob", session.DialOptions{Paths: 2})
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	if err := s.WaitEstablished(ctx); err != nil {
		t.Fatalf("建立失败: %v", err)
	}
	peer := <-accepted

	s.Write([]byte("hello"))
	s.Flush()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	m.RecordTunnelConnection("listen", "opened")
	m.RecordTunnelBytes("upstream", 5)
	m.RecordTunnelBytes("upstream", 0)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	body := scrape(t, ts.URL+"/metrics")

	for _, want := range []string{
		`relaymux_session_opened_total{role="dialer"} 1`,
		`relaymux_session_active 1`,
		`relaymux_handler_dialed_total 1`,
		`relaymux_handler_sessions{state="established"} 1`,
		`relaymux_tunnel_active_connections 1`,
		`relaymux_tunnel_bytes_total{direction="upstream"} 5`,
		`relaymux_session_datagrams_sent_total{kind="handshake"}`,
		`relaymux_handler_path_srtt_seconds{path="0"}`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("指标缺失: %s", want)
		}
	}
}

func TestRelayCollector(t *testing.T) {
	relay := transport.NewRelayServer(transport.RelayConfig{}, nil)
	server := NewMetricsServer(ServerConfig{}, nil, nil)
	server.MustRegisterCollector(NewRelayCollector(relay))

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	body := scrape(t, ts.URL+"/metrics")
	for _, want := range []string{
		"relaymux_relay_active_connections 0",
		"relaymux_relay_routes 0",
		"relaymux_relay_forwarded_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("指标缺失: %s", want)
		}
	}
}

func TestHealthRegistry(t *testing.T) {
	r := NewHealthRegistry("test")
	if s := r.Check(); s.Status != StatusHealthy || len(s.Components) != 0 {
		t.Errorf("空注册表状态 = %+v", s)
	}

	r.Register("relay", func() ComponentHealth { return ComponentHealth{Status: StatusHealthy} })
	r.Register("paths", func() ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Message: "1/4 路径重连中"}
	})
	if s := r.Check(); s.Status != StatusDegraded {
		t.Errorf("存在降级组件时状态 = %s", s.Status)
	}

	r.Register("handler", func() ComponentHealth { return ComponentHealth{Status: StatusUnhealthy} })
	s := r.Check()
	if s.Status != StatusUnhealthy {
		t.Errorf("存在故障组件时状态 = %s", s.Status)
	}
	if s.Version != "test" || len(s.Components) != 3 {
		t.Errorf("汇总内容错误: %+v", s)
	}
}

func TestMetricsServerEndpoints(t *testing.T) {
	health := NewHealthRegistry("1.0.0")
	var failing int32
	health.Register("core", func() ComponentHealth {
		if atomic.LoadInt32(&failing) == 1 {
			return ComponentHealth{Status: StatusUnhealthy}
		}
		return ComponentHealth{Status: StatusHealthy}
	})
	server := NewMetricsServer(ServerConfig{
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		EnablePprof: true,
	}, health, nil)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("请求 %s 失败: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	t.Run("健康", func(t *testing.T) {
		code, body := get("/health")
		if code != http.StatusOK {
			t.Errorf("状态码 = %d", code)
		}
		var status HealthStatus
		if err := json.Unmarshal([]byte(body), &status); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if status.Version != "1.0.0" || status.Components["core"].Status != StatusHealthy {
			t.Errorf("健康内容错误: %+v", status)
		}
		if code, _ := get("/health/ready"); code != http.StatusOK {
			t.Errorf("就绪探针 = %d", code)
		}
	})

	t.Run("故障", func(t *testing.T) {
		atomic.StoreInt32(&failing, 1)
		if code, _ := get("/health"); code != http.StatusServiceUnavailable {
			t.Errorf("状态码 = %d", code)
		}
		if code, _ := get("/health/ready"); code != http.StatusServiceUnavailable {
			t.Errorf("就绪探针 = %d", code)
		}
	})

	t.Run("下线", func(t *testing.T) {
		atomic.StoreInt32(&failing, 0)
		server.Drain()
		if code, body := get("/health/ready"); code != http.StatusServiceUnavailable || body != "DRAINING" {
			t.Errorf("下线后就绪探针 = %d %s", code, body)
		}
		if code, _ := get("/health/live"); code != http.StatusOK {
			t.Errorf("下线不影响存活探针: %d", code)
		}
	})

	t.Run("pprof", func(t *testing.T) {
		if code, _ := get("/debug/pprof/"); code != http.StatusOK {
			t.Errorf("pprof = %d", code)
		}
	})
}

func TestMetricsServerStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewMetricsServer(ServerConfig{Listen: "127.0.0.1:0"}, nil, nil)
	if server.Addr() != "" {
		t.Error("未启动时地址应为空")
	}
	if err := server.Start(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	body := scrape(t, "http://"+server.Addr()+"/metrics")
	if !strings.Contains(body, "relaymux_process_") && !strings.Contains(body, "go_goroutines") {
		t.Error("默认收集器缺失")
	}
	server.Stop()
	server.Stop()

	busy := NewMetricsServer(ServerConfig{Listen: "bad-address"}, nil, nil)
	if err := busy.Start(ctx); err == nil {
		t.Error("无效地址应启动失败")
	}
}
