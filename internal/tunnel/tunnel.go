// =============================================================================
// 文件: internal/tunnel/tunnel.go
// 描述: TCP 隧道 - 把本地 TCP 连接映射为多路径会话，或把入站会话接到 TCP 目标
// =============================================================================
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/relaymux/internal/config"
	"github.com/mrcgq/relaymux/internal/protocol"
	"github.com/mrcgq/relaymux/internal/session"
)

// 隧道角色
const (
	RoleListen  = config.RoleListen
	RoleConnect = config.RoleConnect
)

// DefaultDialTimeout 默认拨号与握手超时
const DefaultDialTimeout = 10 * time.Second

// Config 隧道配置
type Config struct {
	Role string

	// listen 端
	Listen string
	Remote string
	SOCKS5 bool
	Paths  int

	// listen 端: 非空时每个会话开头携带该目标头
	// connect 端: 固定目标，留空则从会话开头读取目标头
	Target string

	AllowedRemotes []string
	DialTimeout    time.Duration
}

// FromConfig 从 config.TunnelConfig 转换
func FromConfig(cfg *config.TunnelConfig) *Config {
	tc := &Config{
		Role:           cfg.Role,
		Listen:         cfg.Listen,
		Remote:         cfg.Remote,
		SOCKS5:         cfg.SOCKS5,
		Paths:          cfg.Paths,
		Target:         cfg.Target,
		AllowedRemotes: append([]string(nil), cfg.AllowedRemotes...),
		DialTimeout:    time.Duration(cfg.DialTimeoutMs) * time.Millisecond,
	}
	if tc.DialTimeout <= 0 {
		tc.DialTimeout = DefaultDialTimeout
	}
	return tc
}

// Recorder 隧道事件记录
// 由 metrics.SessionMetrics 实现
type Recorder interface {
	RecordTunnelConnection(role, status string)
	RecordTunnelBytes(direction string, n int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordTunnelConnection(string, string) {}
func (nopRecorder) RecordTunnelBytes(string, int64)      {}

// Tunnel TCP 隧道
type Tunnel struct {
	cfg      *Config
	handler  *session.Handler
	logger   *zap.Logger
	sugar    *zap.SugaredLogger
	recorder Recorder
	allowed  map[string]bool

	// listen 端每个会话开头发送的固定目标头
	fixed *protocol.Request

	listener net.Listener
	conns    sync.Map // net.Conn -> struct{}
	sessions sync.Map // *session.Session -> struct{}

	// 统计
	accepted  uint64
	opened    uint64
	failed    uint64
	rejected  uint64
	bytesOut  uint64
	bytesIn   uint64
	active    int64
	startTime time.Time

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New 创建隧道
func New(cfg *Config, handler *session.Handler, logger *zap.Logger) (*Tunnel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("隧道配置不能为空")
	}
	if handler == nil {
		return nil, fmt.Errorf("会话处理器不能为空")
	}
	c := *cfg
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tunnel").With(zap.String("role", c.Role))

	t := &Tunnel{
		cfg:      &c,
		handler:  handler,
		logger:   logger,
		sugar:    logger.Sugar(),
		recorder: nopRecorder{},
	}

	switch c.Role {
	case RoleListen:
		if c.Listen == "" || c.Remote == "" {
			return nil, fmt.Errorf("listen 角色需要监听地址和对端身份")
		}
		if c.Target != "" && !c.SOCKS5 {
			req, err := protocol.NewConnectRequest(c.Target)
			if err != nil {
				return nil, fmt.Errorf("解析目标失败: %w", err)
			}
			t.fixed = req
		}
	case RoleConnect:
		if len(c.AllowedRemotes) > 0 {
			t.allowed = make(map[string]bool, len(c.AllowedRemotes))
			for _, r := range c.AllowedRemotes {
				t.allowed[r] = true
			}
		}
	default:
		return nil, fmt.Errorf("未知的隧道角色: %s", c.Role)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// SetRecorder 设置事件记录器
func (t *Tunnel) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	t.recorder = r
}

// Start 启动隧道，ctx 结束时自动关闭
func (t *Tunnel) Start(ctx context.Context) error {
	t.startTime = time.Now()

	switch t.cfg.Role {
	case RoleListen:
		ln, err := net.Listen("tcp", t.cfg.Listen)
		if err != nil {
			return fmt.Errorf("监听失败: %w", err)
		}
		t.listener = ln
		if !t.spawn(func() { t.acceptLoop(ln) }) {
			ln.Close()
			return fmt.Errorf("隧道已关闭")
		}
		t.log(1, "本地监听 %s -> %s (socks5=%v)", ln.Addr(), t.cfg.Remote, t.cfg.SOCKS5)

	case RoleConnect:
		t.handler.OnSessionRequest(t.acceptSession)
		if t.cfg.Target != "" {
			t.log(1, "等待入站会话 -> %s", t.cfg.Target)
		} else {
			t.log(1, "等待入站会话 (目标由拨号端指定)")
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.ctx.Done():
		}
	}()
	return nil
}

// Addr 本地监听地址，connect 角色返回空
func (t *Tunnel) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close 关闭隧道并等待所有连接结束
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.cancel()
		if t.cfg.Role == RoleConnect {
			t.handler.OnSessionRequest(nil)
		}
		if t.listener != nil {
			t.listener.Close()
		}
		t.conns.Range(func(k, _ interface{}) bool {
			k.(net.Conn).Close()
			return true
		})
		t.sessions.Range(func(k, _ interface{}) bool {
			k.(*session.Session).Close()
			return true
		})
	})
	t.wg.Wait()
	return nil
}

// spawn 在隧道未关闭时启动受跟踪的协程
func (t *Tunnel) spawn(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *Tunnel) trackConn(c net.Conn) func() {
	t.conns.Store(c, struct{}{})
	if t.ctx.Err() != nil {
		c.Close()
	}
	return func() { t.conns.Delete(c) }
}

func (t *Tunnel) trackSession(s *session.Session) func() {
	t.sessions.Store(s, struct{}{})
	if t.ctx.Err() != nil {
		s.Close()
	}
	return func() { t.sessions.Delete(s) }
}

// withDeadline 在超时后关闭会话，使阻塞的 Read 返回
func (t *Tunnel) withDeadline(s *session.Session, fn func() error) error {
	timer := time.AfterFunc(t.cfg.DialTimeout, func() { s.Close() })
	defer timer.Stop()
	return fn()
}

func (t *Tunnel) record(status string) {
	switch status {
	case "opened":
		atomic.AddUint64(&t.opened, 1)
		atomic.AddInt64(&t.active, 1)
	case "closed":
		atomic.AddInt64(&t.active, -1)
	case "failed":
		atomic.AddUint64(&t.failed, 1)
	case "rejected":
		atomic.AddUint64(&t.rejected, 1)
	}
	t.recorder.RecordTunnelConnection(t.cfg.Role, status)
}

// GetStats 获取统计信息
func (t *Tunnel) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"role":      t.cfg.Role,
		"accepted":  atomic.LoadUint64(&t.accepted),
		"opened":    atomic.LoadUint64(&t.opened),
		"failed":    atomic.LoadUint64(&t.failed),
		"rejected":  atomic.LoadUint64(&t.rejected),
		"active":    atomic.LoadInt64(&t.active),
		"bytes_out": atomic.LoadUint64(&t.bytesOut),
		"bytes_in":  atomic.LoadUint64(&t.bytesIn),
	}
	if addr := t.Addr(); addr != "" {
		stats["listen"] = addr
	}
	if !t.startTime.IsZero() {
		stats["uptime"] = time.Since(t.startTime).Round(time.Second).String()
	}
	return stats
}

// log 日志输出 (0=错误, 1=信息, 2=调试)
func (t *Tunnel) log(level int, format string, args ...interface{}) {
	switch level {
	case 0:
		t.sugar.Errorf(format, args...)
	case 1:
		t.sugar.Infof(format, args...)
	default:
		t.sugar.Debugf(format, args...)
	}
}
