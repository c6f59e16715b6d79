// =============================================================================
// 文件: internal/session/session.go
// 描述: 多路径可靠会话 - 字节流读写、刷新、关闭与状态机
// =============================================================================
package session

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"
)

// Session 可靠有序字节流会话
// 状态: pending -> established -> closing -> closed，任意状态都可能进入 broken
type Session struct {
	handler *Handler
	remote  string
	id      []byte
	key     string
	dialer  bool

	mu     sync.Mutex
	notify chan struct{} // 状态变化时关闭并替换

	// 协商参数，established 之后不再变化
	prefixes []string
	ownPaths int
	paths    int
	mtu      int
	window   int

	established    bool
	broken         bool
	closing        bool // 本端已调用 Close 或收到对端关闭
	closedOutbound bool // 已发出关闭包
	closedInbound  bool // 已收到关闭包
	closed         bool

	writeBuf []byte
	send     *sendBuffer
	recv     *recvBuffer
	acks     ackList

	remoteBytesRead uint64

	createdAt    time.Time
	lastReceived time.Time
	lastSent     time.Time
	lastControl  time.Time // 最近一次握手或关闭包
	closedAt     time.Time

	onEstablished  func()
	establishFired bool
	onBroken       func()
	brokenFired    bool

	finished int32 // 已计入关闭统计
}

func newSession(h *Handler, remote string, id []byte, dialer bool, prefixes []string, ownPaths, mtu, window int) *Session {
	now := time.Now()
	return &Session{
		handler:      h,
		remote:       remote,
		id:           id,
		key:          sessionKey(remote, id),
		dialer:       dialer,
		notify:       make(chan struct{}),
		prefixes:     prefixes,
		ownPaths:     ownPaths,
		mtu:          mtu,
		window:       window,
		send:         newSendBuffer(),
		recv:         newRecvBuffer(window),
		createdAt:    now,
		lastReceived: now,
	}
}

func sessionKey(remote string, id []byte) string {
	return remote + "/" + hex.EncodeToString(id)
}

// RemoteAddr 远端身份
func (s *Session) RemoteAddr() string { return s.remote }

// ID 会话标识
func (s *Session) ID() []byte { return s.id }

// IsDialer 是否为主动拨号方
func (s *Session) IsDialer() bool { return s.dialer }

// MTU 协商后的 MTU
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// WindowSize 协商后的字节窗口
func (s *Session) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Paths 协商后的路径数
func (s *Session) Paths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths
}

// Prefixes 远端路径前缀
func (s *Session) Prefixes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prefixes...)
}

// IsEstablished 是否已建立
func (s *Session) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// IsBroken 是否已中断
func (s *Session) IsBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// IsClosed 是否已完全关闭
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnEstablished 注册建立回调，已建立时立即同步调用
// 每个注册的回调至多触发一次
func (s *Session) OnEstablished(cb func()) {
	s.mu.Lock()
	s.onEstablished = cb
	s.establishFired = false
	fire := s.takeEstablishedLocked()
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// OnBroken 注册中断回调，已中断时立即同步调用
func (s *Session) OnBroken(cb func()) {
	s.mu.Lock()
	s.onBroken = cb
	s.brokenFired = false
	fire := s.takeBrokenLocked()
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (s *Session) takeEstablishedLocked() func() {
	if !s.established || s.establishFired || s.onEstablished == nil {
		return nil
	}
	s.establishFired = true
	return s.onEstablished
}

func (s *Session) takeBrokenLocked() func() {
	if !s.broken || s.brokenFired || s.onBroken == nil {
		return nil
	}
	s.brokenFired = true
	return s.onBroken
}

// WaitEstablished 阻塞直到会话建立
func (s *Session) WaitEstablished(ctx context.Context) error {
	s.mu.Lock()
	for {
		switch {
		case s.established:
			s.mu.Unlock()
			return nil
		case s.broken:
			s.mu.Unlock()
			return ErrSessionBroken
		case s.closed && !s.dialer:
			s.mu.Unlock()
			return ErrSessionRejected
		case s.closed || s.closing:
			s.mu.Unlock()
			return ErrSessionClosed
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		s.mu.Lock()
	}
}

// Write 写入字节流
// 凑满 MTU 的部分切块入队，窗口不足时阻塞；不足 MTU 的尾部留在缓冲中
// 出错时返回已入队或已缓冲的字节数
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		if len(s.writeBuf)+len(p) < s.mtu {
			s.writeBuf = append(s.writeBuf, p...)
			return written + len(p), nil
		}
		if err := s.waitBudgetLocked(s.mtu); err != nil {
			return written, err
		}
		take := s.mtu - len(s.writeBuf)
		chunk := make([]byte, 0, s.mtu)
		chunk = append(chunk, s.writeBuf...)
		chunk = append(chunk, p[:take]...)
		s.writeBuf = nil
		s.send.enqueue(chunk)
		s.handler.wakeup()

		p = p[take:]
		written += take
	}
	return written, nil
}

// Flush 将缓冲中不足 MTU 的尾部入队
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if len(s.writeBuf) == 0 {
		return nil
	}
	if err := s.waitBudgetLocked(len(s.writeBuf)); err != nil {
		return err
	}
	s.flushPendingLocked()
	s.handler.wakeup()
	return nil
}

func (s *Session) writableLocked() error {
	switch {
	case s.broken:
		return ErrSessionBroken
	case s.closing || s.closed:
		return ErrSessionClosed
	case !s.established:
		return ErrNotEstablished
	}
	return nil
}

// waitBudgetLocked 等待 在途 + 排队 + n <= 窗口，中断或关闭时返回错误
func (s *Session) waitBudgetLocked(n int) error {
	for !s.send.fits(n, s.window) {
		s.waitLocked()
		switch {
		case s.broken:
			return ErrSessionBroken
		case s.closing || s.closed:
			return ErrSessionClosed
		}
	}
	return nil
}

// flushPendingLocked 不阻塞地把缓冲尾部入队，窗口不足时返回 false
func (s *Session) flushPendingLocked() bool {
	if len(s.writeBuf) == 0 || !s.send.fits(len(s.writeBuf), s.window) {
		return false
	}
	s.send.enqueue(s.writeBuf)
	s.writeBuf = nil
	return true
}

// Read 读取按序字节流
// 无数据时阻塞；对端关闭或本端关闭后返回 io.EOF，中断后返回 ErrSessionBroken
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.recv.ready) > 0 {
			if len(p) == 0 {
				return 0, nil
			}
			return s.recv.read(p), nil
		}
		switch {
		case s.broken:
			return 0, ErrSessionBroken
		case s.closing || s.closedInbound || s.closed:
			return 0, io.EOF
		}
		s.waitLocked()
	}
}

// Close 关闭会话，不阻塞
// 阻塞中的读写立即返回；缓冲尾部窗口允许时入队，否则由调度器稍后入队
// 所有数据确认后调度器发送关闭包
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return nil
	}

	if !s.established || s.broken {
		reason := s.finishReasonLocked()
		paths := s.send.abandon()
		s.markClosedLocked(time.Now())
		s.mu.Unlock()
		s.handler.releaseSlots(s.remote, paths)
		s.handler.sessionFinished(s, reason)
		return nil
	}

	s.closing = true
	s.broadcastLocked()
	s.flushPendingLocked()
	s.mu.Unlock()
	s.handler.wakeup()
	return nil
}

func (s *Session) finishReasonLocked() string {
	switch {
	case s.broken:
		return "broken"
	case !s.established && !s.dialer:
		return "rejected"
	default:
		return "closed"
	}
}

// UnconfirmedBytes 已入队或在途但未确认的字节数
func (s *Session) UnconfirmedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send.budget() + len(s.writeBuf)
}

// Available 可读字节数
func (s *Session) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recv.ready)
}

// Stats 会话统计
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		Remote:          s.remote,
		ID:              hex.EncodeToString(s.id),
		Dialer:          s.dialer,
		State:           s.stateLocked(),
		MTU:             s.mtu,
		WindowSize:      s.window,
		Paths:           s.paths,
		BytesWritten:    s.send.bytesQueued,
		BytesRead:       s.recv.bytesRead,
		RemoteBytesRead: s.remoteBytesRead,
		InFlight:        s.send.inFlight(),
		Queued:          len(s.send.queue),
		Retransmits:     s.send.retransmits,
		Dropped:         s.recv.dropped,
		PendingAcks:     s.acks.len(),
	}
}

func (s *Session) stateLocked() string {
	switch {
	case s.broken:
		return "broken"
	case s.closed:
		return "closed"
	case s.closing:
		return "closing"
	case s.established:
		return "established"
	default:
		return "pending"
	}
}

// waitLocked 释放锁等待下一次状态变化
func (s *Session) waitLocked() {
	wait := s.notify
	s.mu.Unlock()
	<-wait
	s.mu.Lock()
}

func (s *Session) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Session) markClosedLocked(now time.Time) {
	s.closing = true
	s.closedOutbound = true
	s.closed = true
	s.closedAt = now
	s.broadcastLocked()
}

// establishLocked 写入协商结果，返回需要触发的建立回调
func (s *Session) establishLocked(prefixes []string, paths, mtu, window int) func() {
	s.prefixes = prefixes
	s.paths = paths
	s.mtu = mtu
	s.window = window
	s.recv.window = window
	s.established = true
	s.lastReceived = time.Now()
	s.broadcastLocked()
	return s.takeEstablishedLocked()
}

// receiveChunkLocked 接收数据块，可确认时记录到 path 的确认列表
func (s *Session) receiveChunkLocked(path int, seq uint32, data []byte) bool {
	ack, delivered := s.recv.insert(seq, data)
	if ack {
		s.acks.insert(path, seq)
	}
	return delivered
}

// receiveAcksLocked 处理对端确认
func (s *Session) receiveAcksLocked(starts, counts []uint32, now time.Time) []ackResult {
	var acked []ackResult
	for i := range starts {
		acked = append(acked, s.send.onAck(starts[i], counts[i], now)...)
	}
	return acked
}
