// =============================================================================
// 文件: internal/transport/multiclient.go
// 描述: 多路径中继客户端 - 每条路径一条 WebSocket 连接，断线自动重连
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/relaymux/internal/crypto"
	"github.com/mrcgq/relaymux/internal/protocol"
)

// MultiClientConfig 多路径客户端配置
type MultiClientConfig struct {
	RelayURL string // ws://host:port/ws 或 wss://...
	Identity string
	MaxPaths int

	// wss 时的 TLS 参数
	Fingerprint        Fingerprint
	ServerName         string
	InsecureSkipVerify bool

	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// 非空时对负载做端到端封装，并拒绝未封装的数据报
	Crypto *crypto.Crypto
}

// MultiClient 多路径中继客户端，实现会话层的 Transport
type MultiClient struct {
	cfg       MultiClientConfig
	sugar     *zap.SugaredLogger
	relayURL  *url.URL
	tlsClient *UTLSClient

	growMu   sync.Mutex
	mu       sync.RWMutex
	paths    []*clientPath
	receiver Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed int32

	sent       uint64
	received   uint64
	dropped    uint64
	unsealed   uint64
	unroutable uint64
	reconnects uint64
}

// clientPath 一条路径
type clientPath struct {
	index   int
	address string

	connMu  sync.RWMutex
	conn    *websocket.Conn
	stopped bool
	writeMu sync.Mutex
}

// attach 挂上新连接，路径已停止时返回 false
func (p *clientPath) attach(conn *websocket.Conn) bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.stopped {
		return false
	}
	p.conn = conn
	return true
}

// stop 停止路径并取下当前连接
func (p *clientPath) stop() *websocket.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.stopped = true
	conn := p.conn
	p.conn = nil
	return conn
}

func (p *clientPath) getConn() *websocket.Conn {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.conn
}

func (p *clientPath) setConn(conn *websocket.Conn) {
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
}

// NewMultiClient 创建客户端，此时不建立任何连接
func NewMultiClient(cfg MultiClientConfig, logger *zap.Logger) (*MultiClient, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("身份不能为空")
	}
	if strings.Contains(cfg.Identity, ".") && protocol.IsPathPrefix(strings.SplitN(cfg.Identity, ".", 2)[0]) {
		return nil, fmt.Errorf("身份不能以路径前缀开头: %s", cfg.Identity)
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("解析中继地址失败: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("不支持的中继协议: %s", u.Scheme)
	}
	if cfg.MaxPaths <= 0 {
		cfg.MaxPaths = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &MultiClient{
		cfg:      cfg,
		sugar:    logger.Named("multiclient").With(zap.String("identity", cfg.Identity)).Sugar(),
		relayURL: u,
		ctx:      ctx,
		cancel:   cancel,
	}
	if u.Scheme == "wss" {
		c.tlsClient = NewUTLSClient(&UTLSConfig{
			ServerName:         cfg.ServerName,
			Fingerprint:        cfg.Fingerprint,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			HandshakeTimeout:   cfg.DialTimeout,
		}, logger)
	}
	return c, nil
}

// Identity 本地身份
func (c *MultiClient) Identity() string {
	return c.cfg.Identity
}

// SetReceiver 设置接收者
func (c *MultiClient) SetReceiver(r Receiver) {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
}

func (c *MultiClient) getReceiver() Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receiver
}

// Paths 已打开路径数
func (c *MultiClient) Paths() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.paths)
}

// EnsurePaths 确保至少打开 n 条路径，新路径并行拨号，任一失败则全部回滚
func (c *MultiClient) EnsurePaths(ctx context.Context, n int) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrTransportClosed
	}
	if n > c.cfg.MaxPaths {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPaths, n, c.cfg.MaxPaths)
	}

	c.growMu.Lock()
	defer c.growMu.Unlock()

	have := c.Paths()
	if have >= n {
		return nil
	}

	fresh := make([]*clientPath, n-have)
	conns := make([]*websocket.Conn, n-have)
	g, gctx := errgroup.WithContext(ctx)
	for i := range fresh {
		i := i
		index := have + i
		fresh[i] = &clientPath{index: index, address: protocol.PathAddr(index, c.cfg.Identity)}
		g.Go(func() error {
			conn, err := c.dialPath(gctx, fresh[i])
			if err != nil {
				return fmt.Errorf("路径 %d: %w", index, err)
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return err
	}

	c.mu.Lock()
	if atomic.LoadInt32(&c.closed) == 1 {
		c.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
		return ErrTransportClosed
	}
	for i, p := range fresh {
		p.attach(conns[i])
		c.paths = append(c.paths, p)
		c.wg.Add(1)
		go c.runPath(p, conns[i])
	}
	c.mu.Unlock()

	c.sugar.Infof("路径已打开: %d -> %d", have, n)
	return nil
}

// dialPath 拨号并等待中继的注册确认
func (c *MultiClient) dialPath(ctx context.Context, p *clientPath) (*websocket.Conn, error) {
	u := *c.relayURL
	q := u.Query()
	q.Set("id", p.address)
	if p.index == 0 {
		q.Set("alias", c.cfg.Identity)
	}
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	if c.tlsClient != nil {
		dialer.NetDialTLSContext = c.tlsClient.DialTLSContext
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("连接中继失败: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)

	conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("等待注册确认失败: %w", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.Type != protocol.EnvelopeRegister || env.Dest != p.address {
		conn.Close()
		return nil, fmt.Errorf("无效的注册确认")
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// runPath 读循环，断线后按指数退避重连直到客户端关闭
func (c *MultiClient) runPath(p *clientPath, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(p, conn)
		p.setConn(nil)
		conn.Close()

		conn = c.reconnect(p)
		if conn == nil {
			return
		}
		if !p.attach(conn) {
			conn.Close()
			return
		}
		atomic.AddUint64(&c.reconnects, 1)
		c.sugar.Infof("路径 %d 已重连", p.index)
	}
}

func (c *MultiClient) reconnect(p *clientPath) *websocket.Conn {
	delay := c.cfg.ReconnectMin
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := c.dialPath(c.ctx, p)
		if err == nil {
			return conn
		}
		c.sugar.Debugf("路径 %d 重连失败: %v", p.index, err)

		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *MultiClient) readLoop(p *clientPath, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.sugar.Debugf("路径 %d 读取错误: %v", p.index, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.handleMessage(p, data)
	}
}

func (c *MultiClient) handleMessage(p *clientPath, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		atomic.AddUint64(&c.dropped, 1)
		return
	}

	switch env.Type {
	case protocol.EnvelopeSession:
	case protocol.EnvelopeError:
		atomic.AddUint64(&c.unroutable, 1)
		c.sugar.Debugf("中继报告目标不可达: %s", string(env.Payload))
		return
	default:
		return
	}

	payload := env.Payload
	if c.cfg.Crypto != nil {
		if !env.Sealed {
			atomic.AddUint64(&c.unsealed, 1)
			return
		}
		payload, err = c.cfg.Crypto.Open(env.Payload, sealAAD(env.Src, p.address, env.SessionID))
		if err != nil {
			atomic.AddUint64(&c.dropped, 1)
			c.sugar.Debugf("解封来自 %s 的数据报失败: %v", env.Src, err)
			return
		}
	} else if env.Sealed {
		atomic.AddUint64(&c.unsealed, 1)
		return
	}

	atomic.AddUint64(&c.received, 1)
	if r := c.getReceiver(); r != nil {
		r.HandleDatagram(p.index, env.Src, env.SessionID, payload)
	}
}

// Send 从第 path 条路径发送到 dest
func (c *MultiClient) Send(path int, dest string, sessionID []byte, payload []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrTransportClosed
	}

	c.mu.RLock()
	var p *clientPath
	if path >= 0 && path < len(c.paths) {
		p = c.paths[path]
	}
	c.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %d", ErrPathNotOpen, path)
	}

	conn := p.getConn()
	if conn == nil {
		atomic.AddUint64(&c.dropped, 1)
		return fmt.Errorf("%w: 路径 %d 正在重连", ErrPathNotOpen, path)
	}

	env := &protocol.Envelope{
		Type:      protocol.EnvelopeSession,
		Src:       p.address,
		Dest:      dest,
		SessionID: sessionID,
		Payload:   payload,
	}
	if c.cfg.Crypto != nil {
		sealed, err := c.cfg.Crypto.Seal(payload, sealAAD(p.address, dest, sessionID))
		if err != nil {
			return err
		}
		env.Payload = sealed
		env.Sealed = true
	}

	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	p.writeMu.Unlock()
	if err != nil {
		atomic.AddUint64(&c.dropped, 1)
		return fmt.Errorf("写入路径 %d 失败: %w", path, err)
	}
	atomic.AddUint64(&c.sent, 1)
	return nil
}

// sealAAD 绑定来源、目的与会话 ID
func sealAAD(src, dest string, sessionID []byte) []byte {
	aad := make([]byte, 0, len(src)+len(dest)+len(sessionID)+2)
	aad = append(aad, src...)
	aad = append(aad, 0)
	aad = append(aad, dest...)
	aad = append(aad, 0)
	return append(aad, sessionID...)
}

// GetStats 获取统计
func (c *MultiClient) GetStats() map[string]interface{} {
	connected := 0
	c.mu.RLock()
	for _, p := range c.paths {
		if p.getConn() != nil {
			connected++
		}
	}
	total := len(c.paths)
	c.mu.RUnlock()

	stats := map[string]interface{}{
		"identity":   c.cfg.Identity,
		"paths":      total,
		"connected":  connected,
		"sent":       atomic.LoadUint64(&c.sent),
		"received":   atomic.LoadUint64(&c.received),
		"dropped":    atomic.LoadUint64(&c.dropped),
		"unsealed":   atomic.LoadUint64(&c.unsealed),
		"unroutable": atomic.LoadUint64(&c.unroutable),
		"reconnects": atomic.LoadUint64(&c.reconnects),
	}
	if c.tlsClient != nil {
		tls := c.tlsClient.GetStats()
		stats["tls_dials"] = tls.Dials
		stats["tls_failed"] = tls.Failed
	}
	return stats
}

// Close 关闭所有路径
func (c *MultiClient) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.cancel()

	c.mu.RLock()
	for _, p := range c.paths {
		if conn := p.stop(); conn != nil {
			p.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			p.writeMu.Unlock()
			conn.Close()
		}
	}
	c.mu.RUnlock()

	c.wg.Wait()
	return nil
}
