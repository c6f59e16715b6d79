// =============================================================================
// 文件: internal/transport/relay.go
// 描述: WebSocket 中继服务器 - 按路径地址注册连接并转发信封
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mrcgq/relaymux/internal/protocol"
)

// RelayConfig 中继配置
type RelayConfig struct {
	Listen      string
	Path        string // WebSocket 路径，默认 /ws
	Host        string // 非空时校验 Host 头
	IdleTimeout time.Duration

	// TLS: 静态证书、ACME 或自签名
	SelfSigned       bool
	CertFile         string
	KeyFile          string
	AutocertDomains  []string
	AutocertCacheDir string
	AutocertEmail    string
}

// RelayStats 中继统计
type RelayStats struct {
	ActiveConns int64  `json:"active_conns"`
	Routes      int    `json:"routes"`
	Forwarded   uint64 `json:"forwarded"`
	Unroutable  uint64 `json:"unroutable"`
	Malformed   uint64 `json:"malformed"`
	WriteErrors uint64 `json:"write_errors"`
}

// RelayServer WebSocket 中继服务器
type RelayServer struct {
	cfg   RelayConfig
	sugar *zap.SugaredLogger

	httpServer *http.Server
	upgrader   websocket.Upgrader
	routes     sync.Map // 地址 -> *relayConn
	conns      sync.Map // *relayConn -> struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	activeConns int64
	forwarded   uint64
	unroutable  uint64
	malformed   uint64
	writeErrors uint64
}

// relayConn 一条已注册的路径连接
type relayConn struct {
	conn       *websocket.Conn
	address    string
	alias      string
	lastActive int64 // UnixNano
	writeMu    sync.Mutex
}

func (c *relayConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// NewRelayServer 创建中继服务器
func NewRelayServer(cfg RelayConfig, logger *zap.Logger) *RelayServer {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RelayServer{
		cfg:    cfg,
		sugar:  logger.Named("relay").Sugar(),
		stopCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler HTTP 处理器 (WebSocket 路径 + 伪装页面)
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/", s.handleFakePage)
	return mux
}

// Start 启动服务器
func (s *RelayServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在已有监听器上提供服务
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.Handler()}

	scheme := "HTTP"
	switch {
	case len(s.cfg.AutocertDomains) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.AutocertDomains...),
			Email:      s.cfg.AutocertEmail,
		}
		if s.cfg.AutocertCacheDir != "" {
			m.Cache = autocert.DirCache(s.cfg.AutocertCacheDir)
		}
		ln = tls.NewListener(ln, m.TLSConfig())
		scheme = "HTTPS (ACME)"
	case s.cfg.CertFile != "" && s.cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("加载证书失败: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		})
		scheme = "HTTPS"
	case s.cfg.SelfSigned:
		hosts := []string{"localhost", "127.0.0.1"}
		if s.cfg.Host != "" {
			hosts = append([]string{s.cfg.Host}, hosts...)
		}
		cert, err := GenerateSelfSignedCert(hosts...)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{*cert},
			NextProtos:   []string{"http/1.1"},
		})
		scheme = "HTTPS (自签名)"
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log(0, "HTTP 服务器错误: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.log(1, "中继已启动: %s (%s%s)", ln.Addr(), scheme, s.cfg.Path)
	return nil
}

// handleWebSocket 注册路径连接并转发其信封
// 查询参数: id=路径地址, alias=裸身份 (仅路径 0)
func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Host != "" && r.Host != s.cfg.Host {
		s.log(2, "Host 不匹配: %s != %s", r.Host, s.cfg.Host)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	address := r.URL.Query().Get("id")
	alias := r.URL.Query().Get("alias")
	if address == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if alias != "" {
		if _, identity := protocol.StripPathPrefix(address); identity != alias {
			http.Error(w, "alias mismatch", http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(2, "WebSocket 升级失败: %v", err)
		return
	}
	conn.SetReadLimit(MaxMessageSize)

	rc := &relayConn{
		conn:       conn,
		address:    address,
		alias:      alias,
		lastActive: time.Now().UnixNano(),
	}
	s.register(rc)
	atomic.AddInt64(&s.activeConns, 1)
	defer func() {
		s.unregister(rc)
		atomic.AddInt64(&s.activeConns, -1)
		conn.Close()
	}()

	s.log(2, "路径连接: %s (%s)", address, r.RemoteAddr)

	// 注册确认，客户端收到后才认为路径可用
	ack, _ := protocol.EncodeEnvelope(&protocol.Envelope{Type: protocol.EnvelopeRegister, Dest: address})
	if err := rc.write(ack); err != nil {
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log(2, "WebSocket 读取错误 (%s): %v", address, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		atomic.StoreInt64(&rc.lastActive, time.Now().UnixNano())

		s.forward(rc, data)
	}
}

// forward 转发信封，来源地址以注册地址为准
func (s *RelayServer) forward(from *relayConn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		atomic.AddUint64(&s.malformed, 1)
		s.log(2, "信封解码失败 (%s): %v", from.address, err)
		return
	}
	if env.Type != protocol.EnvelopeSession {
		return
	}
	env.Src = from.address

	v, ok := s.routes.Load(env.Dest)
	if !ok {
		atomic.AddUint64(&s.unroutable, 1)
		s.log(2, "目标不可达: %s -> %s", env.Src, env.Dest)
		notice, _ := protocol.EncodeEnvelope(&protocol.Envelope{
			Type:    protocol.EnvelopeError,
			Dest:    from.address,
			Payload: []byte(env.Dest),
		})
		from.write(notice)
		return
	}

	out, err := protocol.EncodeEnvelope(env)
	if err != nil {
		atomic.AddUint64(&s.malformed, 1)
		return
	}
	if err := v.(*relayConn).write(out); err != nil {
		atomic.AddUint64(&s.writeErrors, 1)
		s.log(2, "转发到 %s 失败: %v", env.Dest, err)
		return
	}
	atomic.AddUint64(&s.forwarded, 1)
}

// register 注册地址，同一地址的旧连接被替换
func (s *RelayServer) register(rc *relayConn) {
	s.conns.Store(rc, struct{}{})
	for _, addr := range rc.addresses() {
		if old, loaded := s.routes.Swap(addr, rc); loaded && old.(*relayConn) != rc {
			s.log(2, "地址 %s 被新连接替换", addr)
		}
	}
}

func (s *RelayServer) unregister(rc *relayConn) {
	s.conns.Delete(rc)
	for _, addr := range rc.addresses() {
		s.routes.CompareAndDelete(addr, rc)
	}
}

func (c *relayConn) addresses() []string {
	if c.alias == "" {
		return []string{c.address}
	}
	return []string{c.address, c.alias}
}

// handleFakePage 伪装页面
func (s *RelayServer) handleFakePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Welcome</title>
    <meta charset="utf-8">
</head>
<body>
    <h1>It works!</h1>
    <p>This is the default page.</p>
</body>
</html>`)
}

// cleanupLoop 关闭长时间无消息的连接
func (s *RelayServer) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.IdleTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.closeIdle(time.Now())
		}
	}
}

func (s *RelayServer) closeIdle(now time.Time) int {
	closed := 0
	s.conns.Range(func(key, _ interface{}) bool {
		rc := key.(*relayConn)
		if now.Sub(time.Unix(0, atomic.LoadInt64(&rc.lastActive))) > s.cfg.IdleTimeout {
			s.log(2, "关闭空闲连接: %s", rc.address)
			rc.conn.Close()
			closed++
		}
		return true
	})
	return closed
}

// Stop 停止服务器
func (s *RelayServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.conns.Range(func(key, _ interface{}) bool {
			rc := key.(*relayConn)
			rc.writeMu.Lock()
			rc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			rc.writeMu.Unlock()
			rc.conn.Close()
			return true
		})

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
	})
	s.wg.Wait()
}

// GetStats 获取统计
func (s *RelayServer) GetStats() RelayStats {
	routes := 0
	s.routes.Range(func(_, _ interface{}) bool {
		routes++
		return true
	})
	return RelayStats{
		ActiveConns: atomic.LoadInt64(&s.activeConns),
		Routes:      routes,
		Forwarded:   atomic.LoadUint64(&s.forwarded),
		Unroutable:  atomic.LoadUint64(&s.unroutable),
		Malformed:   atomic.LoadUint64(&s.malformed),
		WriteErrors: atomic.LoadUint64(&s.writeErrors),
	}
}

// log 日志输出 (0=错误, 1=信息, 2=调试)
func (s *RelayServer) log(level int, format string, args ...interface{}) {
	switch level {
	case 0:
		s.sugar.Errorf(format, args...)
	case 1:
		s.sugar.Infof(format, args...)
	default:
		s.sugar.Debugf(format, args...)
	}
}
