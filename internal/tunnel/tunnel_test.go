// =============================================================================
// 文件: internal/tunnel/tunnel_test.go
// 描述: 隧道端到端测试 (进程内集线器 + 本地 TCP)
// =============================================================================
package tunnel

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/relaymux/internal/config"
	"github.com/mrcgq/relaymux/internal/session"
	"github.com/mrcgq/relaymux/internal/transport"
)

func sessionConfig() *session.Config {
	cfg := session.DefaultConfig()
	cfg.InitialRTO = 100 * time.Millisecond
	cfg.TickInterval = 2 * time.Millisecond
	cfg.HandshakeInterval = 50 * time.Millisecond
	cfg.LivenessTimeout = 3 * time.Second
	cfg.KeepaliveInterval = 300 * time.Millisecond
	cfg.ClosedLinger = 100 * time.Millisecond
	return cfg
}

// countRecorder 记录隧道事件
type countRecorder struct {
	mu     sync.Mutex
	events map[string]int
	bytes  map[string]int64
}

func newCountRecorder() *countRecorder {
	return &countRecorder{events: make(map[string]int), bytes: make(map[string]int64)}
}

func (r *countRecorder) RecordTunnelConnection(role, status string) {
	r.mu.Lock()
	r.events[role+":"+status]++
	r.mu.Unlock()
}

func (r *countRecorder) RecordTunnelBytes(direction string, n int64) {
	r.mu.Lock()
	r.bytes[direction] += n
	r.mu.Unlock()
}

func (r *countRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[key]
}

func (r *countRecorder) total(direction string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes[direction]
}

// testNet alice 为 listen 端，bob 为 connect 端
type testNet struct {
	alice, bob *session.Handler
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	hub := transport.NewMemHub(transport.MemHubConfig{})
	ea := hub.Endpoint("alice", session.MaxPaths)
	eb := hub.Endpoint("bob", session.MaxPaths)

	n := &testNet{
		alice: session.NewHandler("alice", ea, sessionConfig(), nil),
		bob:   session.NewHandler("bob", eb, sessionConfig(), nil),
	}
	ea.SetReceiver(n.alice)
	eb.SetReceiver(n.bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.bob.EnsurePaths(ctx, session.DefaultPaths); err != nil {
		t.Fatalf("打开路径失败: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.alice.Close(ctx)
		n.bob.Close(ctx)
		hub.Close()
	})
	return n
}

// startTunnel 创建并启动隧道，测试结束时关闭
func startTunnel(t *testing.T, cfg *Config, h *session.Handler) *Tunnel {
	t.Helper()
	tun, err := New(cfg, h, nil)
	if err != nil {
		t.Fatalf("创建隧道失败: %v", err)
	}
	if err := tun.Start(context.Background()); err != nil {
		t.Fatalf("启动隧道失败: %v", err)
	}
	t.Cleanup(func() { tun.Close() })
	return tun
}

// echoServer 启动 TCP 回显服务
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// closedAddr 返回一个当前无人监听的本地地址
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func listenConfig(target string) *Config {
	return &Config{
		Role:        RoleListen,
		Listen:      "127.0.0.1:0",
		Remote:      "bob",
		Paths:       2,
		Target:      target,
		DialTimeout: 2 * time.Second,
	}
}

func connectConfig(target string) *Config {
	return &Config{
		Role:        RoleConnect,
		Target:      target,
		DialTimeout: 2 * time.Second,
	}
}

// roundTrip 写入数据并读取等长回显
func roundTrip(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("读取回显失败: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("回显数据不一致")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

// socksConnect 完成 SOCKS5 握手并返回回复码
func socksConnect(t *testing.T, conn net.Conn, target string) byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte{Version5, 1, AuthNone}); err != nil {
		t.Fatalf("发送协商失败: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("读取协商响应失败: %v", err)
	}
	if resp[0] != Version5 || resp[1] != AuthNone {
		t.Fatalf("协商响应错误: %v", resp)
	}

	addr, err := net.ResolveTCPAddr("tcp", target)
	if err != nil {
		t.Fatalf("解析目标失败: %v", err)
	}
	req := []byte{Version5, CmdConnect, 0x00, AtypIPv4}
	req = append(req, addr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(addr.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("发送请求失败: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("读取请求响应失败: %v", err)
	}
	if reply[0] != Version5 {
		t.Fatalf("响应版本错误: %d", reply[0])
	}
	return reply[1]
}

// =============================================================================
// 转发测试
// =============================================================================

func TestForwardFixedTarget(t *testing.T) {
	n := newTestNet(t)
	echo := echoServer(t)

	rec := newCountRecorder()
	bobTun, err := New(connectConfig(echo), n.bob, nil)
	if err != nil {
		t.Fatalf("创建隧道失败: %v", err)
	}
	bobTun.SetRecorder(rec)
	if err := bobTun.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer bobTun.Close()

	aliceTun := startTunnel(t, listenConfig(""), n.alice)
	if aliceTun.Addr() == "" {
		t.Fatal("listen 角色应返回监听地址")
	}

	conn, err := net.Dial("tcp", aliceTun.Addr())
	if err != nil {
		t.Fatalf("连接隧道失败: %v", err)
	}

	t.Run("短消息回显", func(t *testing.T) {
		roundTrip(t, conn, []byte("hello relaymux"))
	})

	t.Run("跨越多个块的数据", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
		roundTrip(t, conn, data)
	})

	conn.Close()

	waitFor(t, "两端连接关闭", func() bool {
		return aliceTun.GetStats()["active"].(int64) == 0 && bobTun.GetStats()["active"].(int64) == 0
	})

	stats := aliceTun.GetStats()
	if stats["opened"].(uint64) != 1 || stats["accepted"].(uint64) != 1 {
		t.Errorf("listen 端统计错误: %v", stats)
	}
	if rec.count("connect:opened") != 1 || rec.count("connect:closed") != 1 {
		t.Errorf("connect 端事件错误: %v", rec.events)
	}
	want := int64(len("hello relaymux") + 16*1024)
	if rec.total("outbound") != want || rec.total("inbound") != want {
		t.Errorf("流量统计错误: out=%d in=%d want=%d", rec.total("outbound"), rec.total("inbound"), want)
	}
}

func TestForwardWithTargetHeader(t *testing.T) {
	n := newTestNet(t)
	echo := echoServer(t)

	startTunnel(t, connectConfig(""), n.bob)
	aliceTun := startTunnel(t, listenConfig(echo), n.alice)

	t.Run("并发连接", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn, err := net.Dial("tcp", aliceTun.Addr())
				if err != nil {
					errs <- err
					return
				}
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))

				data := bytes.Repeat([]byte{byte('a' + i)}, 3000)
				if _, err := conn.Write(data); err != nil {
					errs <- err
					return
				}
				got := make([]byte, len(data))
				if _, err := io.ReadFull(conn, got); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, data) {
					errs <- io.ErrUnexpectedEOF
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("连接失败: %v", err)
		}
	})

	t.Run("目标不可达时关闭本地连接", func(t *testing.T) {
		n2 := newTestNet(t)
		startTunnel(t, connectConfig(""), n2.bob)
		tun := startTunnel(t, listenConfig(closedAddr(t)), n2.alice)

		conn, err := net.Dial("tcp", tun.Addr())
		if err != nil {
			t.Fatalf("连接隧道失败: %v", err)
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatal("目标不可达时本地连接应被关闭")
		}
		waitFor(t, "失败计数", func() bool {
			return tun.GetStats()["failed"].(uint64) == 1
		})
	})
}

// =============================================================================
// SOCKS5 测试
// =============================================================================

func TestSOCKS5(t *testing.T) {
	n := newTestNet(t)
	echo := echoServer(t)

	startTunnel(t, connectConfig(""), n.bob)
	cfg := listenConfig("")
	cfg.SOCKS5 = true
	aliceTun := startTunnel(t, cfg, n.alice)

	t.Run("CONNECT成功", func(t *testing.T) {
		conn, err := net.Dial("tcp", aliceTun.Addr())
		if err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		defer conn.Close()

		if rep := socksConnect(t, conn, echo); rep != RepSuccess {
			t.Fatalf("回复码错误: %#x", rep)
		}
		roundTrip(t, conn, []byte("through socks"))
	})

	t.Run("目标拒绝连接", func(t *testing.T) {
		conn, err := net.Dial("tcp", aliceTun.Addr())
		if err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		defer conn.Close()

		if rep := socksConnect(t, conn, closedAddr(t)); rep != RepHostUnreachable {
			t.Errorf("回复码应为 %#x, 实际 %#x", RepHostUnreachable, rep)
		}
	})

	t.Run("不支持的命令", func(t *testing.T) {
		conn, err := net.Dial("tcp", aliceTun.Addr())
		if err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		conn.Write([]byte{Version5, 1, AuthNone})
		io.ReadFull(conn, make([]byte, 2))
		conn.Write([]byte{Version5, 0x02, 0x00, AtypIPv4})

		reply := make([]byte, 10)
		if _, err := io.ReadFull(conn, reply); err != nil {
			t.Fatalf("读取响应失败: %v", err)
		}
		if reply[1] != RepCommandNotSupported {
			t.Errorf("回复码应为 %#x, 实际 %#x", RepCommandNotSupported, reply[1])
		}
	})

	t.Run("无可接受认证方法", func(t *testing.T) {
		conn, err := net.Dial("tcp", aliceTun.Addr())
		if err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		conn.Write([]byte{Version5, 1, 0x02})
		resp := make([]byte, 2)
		if _, err := io.ReadFull(conn, resp); err != nil {
			t.Fatalf("读取响应失败: %v", err)
		}
		if resp[1] != AuthNoAccept {
			t.Errorf("应回复 0xFF, 实际 %#x", resp[1])
		}
	})
}

// =============================================================================
// 接受策略测试
// =============================================================================

func TestAllowedRemotes(t *testing.T) {
	n := newTestNet(t)
	echo := echoServer(t)

	cfg := connectConfig(echo)
	cfg.AllowedRemotes = []string{"carol"}
	bobTun := startTunnel(t, cfg, n.bob)

	lcfg := listenConfig("")
	lcfg.DialTimeout = 500 * time.Millisecond
	aliceTun := startTunnel(t, lcfg, n.alice)

	conn, err := net.Dial("tcp", aliceTun.Addr())
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("被拒绝的会话应关闭本地连接")
	}

	waitFor(t, "拒绝计数", func() bool {
		return bobTun.GetStats()["rejected"].(uint64) >= 1
	})
	if aliceTun.GetStats()["failed"].(uint64) != 1 {
		t.Errorf("listen 端失败计数错误: %v", aliceTun.GetStats())
	}
}

// =============================================================================
// 生命周期与配置测试
// =============================================================================

func TestCloseStopsForwarding(t *testing.T) {
	n := newTestNet(t)
	echo := echoServer(t)

	startTunnel(t, connectConfig(echo), n.bob)
	tun, err := New(listenConfig(""), n.alice, nil)
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := tun.Start(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	conn, err := net.Dial("tcp", tun.Addr())
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, []byte("ping"))

	cancel()
	waitFor(t, "活跃连接归零", func() bool {
		return tun.GetStats()["active"].(int64) == 0
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("关闭隧道后本地连接应断开")
	}
	if _, err := net.DialTimeout("tcp", tun.Addr(), time.Second); err == nil {
		t.Error("关闭隧道后不应再接受连接")
	}
	tun.Close()
}

func TestNewValidation(t *testing.T) {
	n := newTestNet(t)

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"空配置", nil},
		{"未知角色", &Config{Role: "proxy"}},
		{"listen缺少对端", &Config{Role: RoleListen, Listen: "127.0.0.1:0"}},
		{"listen目标无效", &Config{Role: RoleListen, Listen: "127.0.0.1:0", Remote: "bob", Target: "nohost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, n.alice, nil); err == nil {
				t.Error("应返回错误")
			}
		})
	}

	t.Run("空处理器", func(t *testing.T) {
		if _, err := New(connectConfig(""), nil, nil); err == nil {
			t.Error("应返回错误")
		}
	})
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Tunnel
	cfg.Role = config.RoleListen
	cfg.Listen = "127.0.0.1:1080"
	cfg.Remote = "bob"
	cfg.SOCKS5 = true
	cfg.AllowedRemotes = []string{"alice"}

	tc := FromConfig(&cfg)
	if tc.Role != RoleListen || tc.Remote != "bob" || !tc.SOCKS5 {
		t.Errorf("字段转换错误: %+v", tc)
	}
	if tc.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", tc.DialTimeout)
	}

	cfg.AllowedRemotes[0] = "mallory"
	if tc.AllowedRemotes[0] != "alice" {
		t.Error("AllowedRemotes 应为副本")
	}

	cfg.DialTimeoutMs = 0
	if got := FromConfig(&cfg).DialTimeout; got != DefaultDialTimeout {
		t.Errorf("零值应使用默认超时: %v", got)
	}
}

func TestStatusToReply(t *testing.T) {
	cases := map[byte]byte{
		0x00: RepSuccess,
		0x01: RepHostUnreachable,
		0x02: RepConnectionNotAllowed,
		0x03: RepAddressNotSupported,
		0x7f: RepGeneralFailure,
	}
	for status, want := range cases {
		if got := statusToReply(status, nil); got != want {
			t.Errorf("状态 %d: got %#x, want %#x", status, got, want)
		}
	}
	if got := statusToReply(0, io.EOF); got != RepGeneralFailure {
		t.Errorf("读取失败应映射为一般错误: %#x", got)
	}
}
