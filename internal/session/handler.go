// =============================================================================
// 文件: internal/session/handler.go
// 描述: 会话处理器 - 拨号、握手协商、数据报分发与会话表管理
// =============================================================================
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/relaymux/internal/congestion"
	"github.com/mrcgq/relaymux/internal/protocol"
)

// Handler 会话处理器
// 一个处理器对应一个本地身份，在多条路径上复用任意数量的会话
type Handler struct {
	identity  string
	config    *Config
	transport Transport
	logger    *zap.Logger
	sugar     *zap.SugaredLogger
	observer  atomic.Value // observerBox

	// 会话表
	sessions sync.Map // sessionKey -> *Session

	// 路径工作者
	workersMu sync.RWMutex
	workers   []*congestion.PathWorker
	pathGroup singleflight.Group

	// 接受策略
	acceptMu   sync.RWMutex
	accept     func(*Session) bool
	prefMTU    int
	prefWindow int
	prefPaths  int

	wake      chan struct{}
	closing   int32
	closeOnce sync.Once

	// 统计
	dialed         uint64
	accepted       uint64
	rejected       uint64
	brokenCount    uint64
	malformed      uint64
	packetsSent    uint64
	packetsRecv    uint64
	activeSessions int64

	// 控制
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler 创建会话处理器并启动调度循环
func NewHandler(identity string, transport Transport, config *Config, logger *zap.Logger) *Handler {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session").With(zap.String("identity", identity))

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		identity:   identity,
		config:     &cfg,
		transport:  transport,
		logger:     logger,
		sugar:      logger.Sugar(),
		prefMTU:    cfg.MTU,
		prefWindow: cfg.WindowSize,
		prefPaths:  cfg.Paths,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	h.wg.Add(2)
	go h.scheduleLoop()
	go h.cleanupLoop()

	return h
}

// Identity 本地身份
func (h *Handler) Identity() string {
	return h.identity
}

// SetObserver 设置事件观察者
func (h *Handler) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	h.observer.Store(observerBox{o})
}

// observerBox 保证 atomic.Value 中的具体类型一致
type observerBox struct{ Observer }

func (h *Handler) obs() Observer {
	if b, ok := h.observer.Load().(observerBox); ok {
		return b.Observer
	}
	return nopObserver{}
}

// OnSessionRequest 设置入站会话接受策略，未设置时拒绝所有入站会话
// 策略在独立协程中执行，可以阻塞
func (h *Handler) OnSessionRequest(accept func(*Session) bool) {
	h.acceptMu.Lock()
	h.accept = accept
	h.acceptMu.Unlock()
}

// SetIncomingPreferences 设置入站会话的偏好参数，零值保持不变
func (h *Handler) SetIncomingPreferences(mtu, window, paths int) {
	h.acceptMu.Lock()
	defer h.acceptMu.Unlock()
	if mtu > 0 {
		h.prefMTU = clamp(mtu, 1, MaxMTU)
	}
	if window > 0 {
		h.prefWindow = clamp(window, 1, MaxWindowSize)
	}
	if paths > 0 {
		h.prefPaths = clamp(paths, 1, MaxPaths)
	}
}

// EnsurePaths 预先打开 n 条路径，使本地身份可被拨入
func (h *Handler) EnsurePaths(ctx context.Context, n int) error {
	if h.isClosing() {
		return ErrHandlerClosed
	}
	return h.ensurePaths(ctx, clamp(n, 1, MaxPaths))
}

// Dial 向远端发起会话，立即返回未建立的会话
func (h *Handler) Dial(ctx context.Context, remote string, opts DialOptions) (*Session, error) {
	if h.isClosing() {
		return nil, ErrHandlerClosed
	}

	paths := opts.Paths
	if paths <= 0 {
		paths = h.config.Paths
	}
	paths = clamp(paths, 1, MaxPaths)

	mtu := h.config.MTU
	if opts.MTU > 0 {
		mtu = clamp(opts.MTU, 1, MaxMTU)
	}
	window := h.config.WindowSize
	if opts.WindowSize > 0 {
		window = clamp(opts.WindowSize, 1, MaxWindowSize)
	}

	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = protocol.DialPrefixes(paths)
	}
	prefixes = append([]string(nil), prefixes...)

	if err := h.ensurePaths(ctx, paths); err != nil {
		return nil, err
	}

	id := make([]byte, SessionIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("生成会话 ID 失败: %w", err)
	}

	s := newSession(h, remote, id, true, prefixes, paths, mtu, window)
	h.sessions.Store(s.key, s)
	atomic.AddUint64(&h.dialed, 1)
	atomic.AddInt64(&h.activeSessions, 1)
	h.obs().SessionOpened("dialer")

	h.log(1, "拨号会话 %s (路径=%d, mtu=%d, 窗口=%d)", s.key, paths, mtu, window)
	h.sendHandshake(s)
	h.wakeup()
	return s, nil
}

// HandleDatagram 处理传输层收到的数据报
// from 为来源地址，可能带路径前缀
func (h *Handler) HandleDatagram(path int, from string, sessionID []byte, payload []byte) {
	if h.ctx.Err() != nil {
		return
	}
	atomic.AddUint64(&h.packetsRecv, 1)
	h.obs().DatagramReceived(len(payload))

	if len(sessionID) != SessionIDSize {
		h.drop("bad_session_id", "会话 ID 长度无效: %d", len(sessionID))
		return
	}

	pkt, err := protocol.DecodeSessionPacket(payload)
	if err != nil {
		atomic.AddUint64(&h.malformed, 1)
		h.drop("malformed", "解码数据报失败 (来自 %s): %v", from, err)
		return
	}

	_, remote := protocol.StripPathPrefix(from)
	key := sessionKey(remote, sessionID)

	if v, ok := h.sessions.Load(key); ok {
		h.handlePacket(v.(*Session), path, pkt)
		return
	}

	if !pkt.IsHandshake() {
		h.drop("unknown_session", "未知会话 %s", key)
		return
	}
	if h.isClosing() {
		h.drop("closing", "处理器关闭中，忽略会话请求 %s", key)
		return
	}

	h.handleSessionRequest(path, remote, append([]byte(nil), sessionID...), pkt)
}

// handlePacket 处理已知会话的数据报
func (h *Handler) handlePacket(s *Session, path int, pkt *protocol.SessionPacket) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		// 对端没收到我们的关闭包，仍在重发
		reply := pkt.Close && s.established && !s.broken
		s.mu.Unlock()
		if reply {
			h.replyClose(s)
		}
		return
	}
	s.lastReceived = now

	if pkt.IsHandshake() {
		var fire func()
		reply := false
		if s.dialer {
			if !s.established {
				fire = h.establishDialerLocked(s, pkt)
			}
		} else if s.established {
			// 对端未收到握手回复，重发
			reply = true
		}
		s.mu.Unlock()

		if reply {
			h.sendHandshake(s)
		}
		if fire != nil {
			fire()
		}
		h.wakeup()
		return
	}

	if !s.established {
		s.mu.Unlock()
		h.drop("not_established", "会话 %s 未建立，丢弃数据报", s.key)
		return
	}

	if pkt.SequenceID != 0 {
		data := append([]byte(nil), pkt.Data...)
		if s.receiveChunkLocked(path, pkt.SequenceID, data) && s.closing {
			s.recv.discard()
		}
	}
	acked := s.receiveAcksLocked(pkt.AckStartSeq, pkt.AckSeqCount, now)
	if pkt.BytesRead > s.remoteBytesRead {
		s.remoteBytesRead = pkt.BytesRead
	}

	remoteClosed, finished := false, false
	if pkt.Close && !s.closedInbound {
		s.closedInbound = true
		remoteClosed = true
		if s.closedOutbound {
			s.closed = true
			s.closedAt = now
			finished = true
		}
	}
	s.broadcastLocked()
	s.mu.Unlock()

	for _, a := range acked {
		h.worker(a.path).OnAck(s.remote, a.rtt)
		h.obs().ChunkAcked(a.path, a.rtt)
	}

	switch {
	case finished:
		h.log(2, "会话 %s 双向关闭完成", s.key)
		h.sessionFinished(s, "closed")
	case remoteClosed:
		h.log(2, "会话 %s 对端已关闭", s.key)
		go s.Close()
	}
	h.wakeup()
}

// establishDialerLocked 拨号方收到握手回复，按双方较小值建立会话
func (h *Handler) establishDialerLocked(s *Session, pkt *protocol.SessionPacket) func() {
	prefixes := pkt.Prefixes
	if len(prefixes) == 0 {
		prefixes = s.prefixes
	}
	paths := s.ownPaths
	if len(prefixes) < paths {
		paths = len(prefixes)
	}
	mtu := negotiate(s.mtu, pkt.MTU)
	window := negotiate(s.window, pkt.WindowSize)
	if mtu > window {
		mtu = window
	}

	for i := 0; i < paths; i++ {
		h.worker(i).Track(s.remote, h.config.InitialPathWindow)
	}

	h.log(1, "会话 %s 已建立 (路径=%d, mtu=%d, 窗口=%d)", s.key, paths, mtu, window)
	return s.establishLocked(prefixes, paths, mtu, window)
}

// handleSessionRequest 收到未知会话的握手
func (h *Handler) handleSessionRequest(path int, remote string, id []byte, pkt *protocol.SessionPacket) {
	h.acceptMu.RLock()
	prefMTU, prefWindow, prefPaths := h.prefMTU, h.prefWindow, h.prefPaths
	h.acceptMu.RUnlock()

	paths := prefPaths
	if len(pkt.Prefixes) < paths {
		paths = len(pkt.Prefixes)
	}
	if paths < 1 {
		h.drop("no_prefixes", "握手未携带路径前缀 (来自 %s)", remote)
		return
	}

	prefixes := append([]string(nil), pkt.Prefixes...)
	s := newSession(h, remote, id, false, prefixes, paths, prefMTU, prefWindow)
	if actual, loaded := h.sessions.LoadOrStore(s.key, s); loaded {
		h.handlePacket(actual.(*Session), path, pkt)
		return
	}
	atomic.AddInt64(&h.activeSessions, 1)
	h.obs().SessionOpened("acceptor")

	go h.acceptSession(s, pkt)
}

// acceptSession 执行接受策略并回复握手
func (h *Handler) acceptSession(s *Session, pkt *protocol.SessionPacket) {
	h.acceptMu.RLock()
	accept := h.accept
	h.acceptMu.RUnlock()

	if accept == nil || !accept(s) {
		h.rejectSession(s, "策略拒绝")
		return
	}
	if err := h.ensurePaths(h.ctx, s.ownPaths); err != nil {
		h.rejectSession(s, err.Error())
		return
	}
	for i := 0; i < s.ownPaths; i++ {
		h.worker(i).Track(s.remote, h.config.InitialPathWindow)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mtu = negotiate(s.mtu, pkt.MTU)
	s.window = negotiate(s.window, pkt.WindowSize)
	if s.mtu > s.window {
		s.mtu = s.window
	}
	s.mu.Unlock()

	// 先回复握手再建立，保证对端先收到握手后才收到数据
	h.sendHandshake(s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fire := s.establishLocked(s.prefixes, s.ownPaths, s.mtu, s.window)
	s.mu.Unlock()

	atomic.AddUint64(&h.accepted, 1)
	h.log(1, "接受会话 %s (路径=%d, mtu=%d, 窗口=%d)", s.key, s.ownPaths, s.mtu, s.window)
	if fire != nil {
		fire()
	}
	h.wakeup()
}

func (h *Handler) rejectSession(s *Session, reason string) {
	s.mu.Lock()
	s.markClosedLocked(time.Now())
	s.mu.Unlock()

	atomic.AddUint64(&h.rejected, 1)
	h.log(1, "拒绝会话 %s: %s", s.key, reason)
	h.sessionFinished(s, "rejected")
}

// sendHandshake 在每条本地路径上向对应远端前缀发送握手
func (h *Handler) sendHandshake(s *Session) {
	now := time.Now()

	s.mu.Lock()
	n := s.ownPaths
	if len(s.prefixes) < n {
		n = len(s.prefixes)
	}
	pkt := protocol.NewHandshakePacket(protocol.OwnPrefixes(s.ownPaths), uint32(s.mtu), uint32(s.window))
	dests := make([]string, n)
	for i := range dests {
		dests[i] = protocol.JoinAddr(s.prefixes[i], s.remote)
	}
	s.lastControl = now
	s.lastSent = now
	s.mu.Unlock()

	payload := pkt.Encode()
	for i, dest := range dests {
		h.transmit(i, dest, s.id, payload, "handshake")
	}
}

// transmit 发送数据报，失败只记录日志 (数据块会超时重传)
func (h *Handler) transmit(path int, dest string, id, payload []byte, kind string) {
	if err := h.transport.Send(path, dest, id, payload); err != nil {
		h.log(2, "路径 %d 发送 %s 到 %s 失败: %v", path, kind, dest, err)
		return
	}
	atomic.AddUint64(&h.packetsSent, 1)
	h.obs().DatagramSent(kind, len(payload))
}

// ensurePaths 确保至少打开 n 条路径，并发调用合并为一次
func (h *Handler) ensurePaths(ctx context.Context, n int) error {
	h.workersMu.RLock()
	have := len(h.workers)
	h.workersMu.RUnlock()
	if have >= n {
		return nil
	}

	_, err, _ := h.pathGroup.Do(strconv.Itoa(n), func() (interface{}, error) {
		if err := h.transport.EnsurePaths(ctx, n); err != nil {
			return nil, fmt.Errorf("打开路径失败: %w", err)
		}
		h.growWorkers(n)
		return nil, nil
	})
	return err
}

func (h *Handler) growWorkers(n int) {
	h.workersMu.Lock()
	defer h.workersMu.Unlock()
	for i := len(h.workers); i < n; i++ {
		h.workers = append(h.workers, congestion.NewPathWorker(i, h.config.InitialRTO))
	}
}

// worker 获取第 i 条路径的工作者
func (h *Handler) worker(i int) *congestion.PathWorker {
	h.workersMu.RLock()
	if i < len(h.workers) {
		w := h.workers[i]
		h.workersMu.RUnlock()
		return w
	}
	h.workersMu.RUnlock()

	h.growWorkers(i + 1)
	h.workersMu.RLock()
	defer h.workersMu.RUnlock()
	return h.workers[i]
}

// releaseSlots 归还被放弃的在途数据占用的槽位
func (h *Handler) releaseSlots(remote string, paths []int) {
	for _, p := range paths {
		h.worker(p).Release(remote)
	}
}

// sessionFinished 会话终止 (关闭/拒绝/中断) 的统计，每个会话只计一次
func (h *Handler) sessionFinished(s *Session, reason string) {
	if !atomic.CompareAndSwapInt32(&s.finished, 0, 1) {
		return
	}
	atomic.AddInt64(&h.activeSessions, -1)
	h.obs().SessionClosed(reason)
	h.log(2, "会话 %s 结束: %s", s.key, reason)
}

// wakeup 唤醒调度循环
func (h *Handler) wakeup() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) isClosing() bool {
	return atomic.LoadInt32(&h.closing) == 1
}

func (h *Handler) drop(reason, format string, args ...interface{}) {
	h.obs().DatagramDropped(reason)
	h.log(2, format, args...)
}

// Sessions 当前会话表快照
func (h *Handler) Sessions() []*Session {
	var list []*Session
	h.sessions.Range(func(_, v interface{}) bool {
		list = append(list, v.(*Session))
		return true
	})
	return list
}

// Close 停止接受新会话，关闭所有会话并等待关闭交换完成
// ctx 到期后强制关闭剩余会话
func (h *Handler) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		atomic.StoreInt32(&h.closing, 1)
		h.log(1, "关闭会话处理器")

		for _, s := range h.Sessions() {
			go s.Close()
		}
		err = h.waitSessionsClosed(ctx)

		h.cancel()
		h.wg.Wait()

		h.workersMu.RLock()
		for _, w := range h.workers {
			w.Close()
		}
		h.workersMu.RUnlock()
	})
	return err
}

func (h *Handler) waitSessionsClosed(ctx context.Context) error {
	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	for {
		open := 0
		for _, s := range h.Sessions() {
			if !s.IsClosed() {
				open++
			}
		}
		if open == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			h.log(1, "关闭超时，强制关闭 %d 个会话", open)
			for _, s := range h.Sessions() {
				h.forceClose(s)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handler) forceClose(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	reason := s.finishReasonLocked()
	paths := s.send.abandon()
	s.markClosedLocked(time.Now())
	s.mu.Unlock()

	h.releaseSlots(s.remote, paths)
	h.sessionFinished(s, reason)
}

// GetStats 获取统计
func (h *Handler) GetStats() map[string]interface{} {
	established := 0
	for _, s := range h.Sessions() {
		if s.IsEstablished() && !s.IsClosed() {
			established++
		}
	}

	h.workersMu.RLock()
	paths := len(h.workers)
	h.workersMu.RUnlock()

	return map[string]interface{}{
		"identity":        h.identity,
		"paths":           paths,
		"active_sessions": atomic.LoadInt64(&h.activeSessions),
		"established":     established,
		"dialed":          atomic.LoadUint64(&h.dialed),
		"accepted":        atomic.LoadUint64(&h.accepted),
		"rejected":        atomic.LoadUint64(&h.rejected),
		"broken":          atomic.LoadUint64(&h.brokenCount),
		"malformed":       atomic.LoadUint64(&h.malformed),
		"packets_sent":    atomic.LoadUint64(&h.packetsSent),
		"packets_recv":    atomic.LoadUint64(&h.packetsRecv),
	}
}

// Snapshot 获取完整快照
func (h *Handler) Snapshot() HandlerSnapshot {
	snap := HandlerSnapshot{
		Identity:    h.identity,
		Dialed:      atomic.LoadUint64(&h.dialed),
		Accepted:    atomic.LoadUint64(&h.accepted),
		Rejected:    atomic.LoadUint64(&h.rejected),
		Broken:      atomic.LoadUint64(&h.brokenCount),
		Malformed:   atomic.LoadUint64(&h.malformed),
		PacketsSent: atomic.LoadUint64(&h.packetsSent),
		PacketsRecv: atomic.LoadUint64(&h.packetsRecv),
	}
	for _, s := range h.Sessions() {
		snap.Sessions = append(snap.Sessions, s.Stats())
	}

	h.workersMu.RLock()
	workers := append([]*congestion.PathWorker(nil), h.workers...)
	h.workersMu.RUnlock()
	for _, w := range workers {
		snap.Paths = append(snap.Paths, w.Stats())
	}
	return snap
}

// log 日志输出 (0=错误, 1=信息, 2=调试)
func (h *Handler) log(level int, format string, args ...interface{}) {
	switch level {
	case 0:
		h.sugar.Errorf(format, args...)
	case 1:
		h.sugar.Infof(format, args...)
	default:
		h.sugar.Debugf(format, args...)
	}
}

// negotiate 取双方较小值，对端未提供时使用本端值
func negotiate(own int, remote uint32) int {
	if remote == 0 || int64(remote) >= int64(own) {
		return own
	}
	return int(remote)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
