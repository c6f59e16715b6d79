// =============================================================================
// 文件: internal/session/scheduler.go
// 描述: 会话调度循环 - 超时扫描、发送排空、关闭交换、存活检测与清理
// =============================================================================
package session

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/mrcgq/relaymux/internal/protocol"
)

// scheduleLoop 调度循环，每个间隔或被唤醒时执行一轮
func (h *Handler) scheduleLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		case <-h.wake:
		}
		h.tick(time.Now())
	}
}

// tick 执行一轮调度
func (h *Handler) tick(now time.Time) {
	sessions := h.Sessions()
	for _, s := range sessions {
		h.sweepTimeouts(s, now)
	}
	h.drain(sessions, now)
	for _, s := range sessions {
		h.maintain(s, now)
	}
}

// sweepTimeouts 超过 RTO 的在途块移入重传队列并通知路径
func (h *Handler) sweepTimeouts(s *Session, now time.Time) {
	s.mu.Lock()
	if !s.established || s.broken || s.closed {
		s.mu.Unlock()
		return
	}
	paths := s.send.expire(now, func(path int) time.Duration {
		return h.worker(path).RTO(s.remote)
	})
	s.mu.Unlock()

	for _, p := range paths {
		h.worker(p).OnTimeout(s.remote)
		h.obs().ChunkTimeout(p)
	}
	if len(paths) > 0 {
		h.log(2, "会话 %s 超时 %d 个数据块", s.key, len(paths))
	}
}

// drain 反复为每个会话发送一个数据报，直到没有会话能继续发送
func (h *Handler) drain(sessions []*Session, now time.Time) {
	for {
		progressed := false
		for _, s := range sessions {
			if h.drainOne(s, now) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// drainOne 选择一条有空闲槽位的路径发送一个数据报
// 优先级: 重传 > 窗口内新数据 > 纯确认，确认只走收到数据的那条路径
func (h *Handler) drainOne(s *Session, now time.Time) bool {
	s.mu.Lock()
	if !s.established || s.broken || s.closed {
		s.mu.Unlock()
		return false
	}

	if s.closing {
		s.flushPendingLocked()
	}
	hasData := !s.closedOutbound && s.send.hasSendable(s.window)
	candidates := make([]int, 0, s.paths)
	for i := 0; i < s.paths; i++ {
		// 纯确认不占用槽位
		if s.acks.pending(i) || (hasData && h.worker(i).Available(s.remote)) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		s.mu.Unlock()
		return false
	}

	path := candidates[rand.Intn(len(candidates))]
	pkt := &protocol.SessionPacket{}
	kind := "ack"

	if hasData && h.worker(path).TryAcquire(s.remote) {
		chunk, retransmit := s.send.next(s.window)
		if chunk != nil {
			pkt.SequenceID = chunk.seq
			pkt.Data = chunk.data
			s.send.markSent(chunk, path, now)
			kind = "data"
			if retransmit {
				kind = "retransmit"
			}
		} else {
			h.worker(path).Release(s.remote)
		}
	}

	pkt.AckStartSeq, pkt.AckSeqCount = s.acks.take(path, MaxAcksPerPacket)
	if pkt.SequenceID == 0 && len(pkt.AckStartSeq) == 0 {
		s.mu.Unlock()
		return false
	}
	pkt.BytesRead = s.recv.bytesRead
	dest := protocol.JoinAddr(s.prefixes[path], s.remote)
	s.lastSent = now
	s.mu.Unlock()

	h.transmit(path, dest, s.id, pkt.Encode(), kind)
	return true
}

// maintain 关闭交换、存活检测、保活与握手重发
func (h *Handler) maintain(s *Session, now time.Time) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()

	case !s.established:
		resend := false
		if s.dialer && !s.broken {
			if now.Sub(s.createdAt) > h.config.LivenessTimeout {
				h.markBroken(s, now, "握手超时")
				return
			}
			resend = now.Sub(s.lastControl) >= h.config.HandshakeInterval
		}
		s.mu.Unlock()
		if resend {
			h.log(2, "重发握手 %s", s.key)
			h.sendHandshake(s)
		}

	case s.broken:
		s.mu.Unlock()

	case now.Sub(s.lastReceived) > h.config.LivenessTimeout:
		h.markBroken(s, now, "空闲超时")

	case s.closing && s.send.idle() && len(s.writeBuf) == 0 &&
		(!s.closedOutbound || now.Sub(s.lastControl) >= h.config.HandshakeInterval):
		h.sendClose(s, now)

	case !s.closedOutbound && now.Sub(s.lastSent) >= h.config.KeepaliveInterval:
		path := rand.Intn(s.paths)
		pkt := &protocol.SessionPacket{BytesRead: s.recv.bytesRead}
		dest := protocol.JoinAddr(s.prefixes[path], s.remote)
		s.lastSent = now
		s.mu.Unlock()
		h.transmit(path, dest, s.id, pkt.Encode(), "keepalive")

	default:
		s.mu.Unlock()
	}
}

// sendClose 在所有路径上发送关闭包 (需持有锁，返回前释放)
// 对端确认关闭前按握手间隔重发
func (h *Handler) sendClose(s *Session, now time.Time) {
	first := !s.closedOutbound
	s.closedOutbound = true
	finished := false
	if s.closedInbound && !s.closed {
		s.closed = true
		s.closedAt = now
		finished = true
		s.broadcastLocked()
	}
	pkt := protocol.NewClosePacket()
	pkt.BytesRead = s.recv.bytesRead
	dests := make([]string, s.paths)
	for i := range dests {
		dests[i] = protocol.JoinAddr(s.prefixes[i], s.remote)
	}
	s.lastSent = now
	s.lastControl = now
	s.mu.Unlock()

	payload := pkt.Encode()
	for i, dest := range dests {
		h.transmit(i, dest, s.id, payload, "close")
	}
	if first {
		h.log(2, "会话 %s 已发送关闭", s.key)
	}
	if finished {
		h.sessionFinished(s, "closed")
	}
}

// replyClose 对已关闭会话重发关闭包，不改变状态
func (h *Handler) replyClose(s *Session) {
	s.mu.Lock()
	pkt := protocol.NewClosePacket()
	pkt.BytesRead = s.recv.bytesRead
	dests := make([]string, s.paths)
	for i := range dests {
		dests[i] = protocol.JoinAddr(s.prefixes[i], s.remote)
	}
	s.mu.Unlock()

	payload := pkt.Encode()
	for i, dest := range dests {
		h.transmit(i, dest, s.id, payload, "close")
	}
}

// markBroken 标记会话中断 (需持有锁，返回前释放)
func (h *Handler) markBroken(s *Session, now time.Time, reason string) {
	s.broken = true
	s.closedAt = now
	paths := s.send.abandon()
	if s.closing {
		s.closed = true
		s.closedOutbound = true
	}
	fire := s.takeBrokenLocked()
	s.broadcastLocked()
	s.mu.Unlock()

	h.releaseSlots(s.remote, paths)
	atomic.AddUint64(&h.brokenCount, 1)
	h.log(1, "会话 %s 中断: %s", s.key, reason)
	h.sessionFinished(s, "broken")
	if fire != nil {
		fire()
	}
}

// cleanupLoop 定期移除已终止的会话
func (h *Handler) cleanupLoop() {
	defer h.wg.Done()

	interval := DefaultCleanupInterval
	if h.config.ClosedLinger < interval {
		interval = h.config.ClosedLinger
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.cleanup(time.Now())
		}
	}
}

// cleanup 移除关闭或中断超过保留时间的会话
func (h *Handler) cleanup(now time.Time) int {
	removed := 0
	h.sessions.Range(func(key, value interface{}) bool {
		s := value.(*Session)
		s.mu.Lock()
		expired := (s.closed || s.broken) && now.Sub(s.closedAt) > h.config.ClosedLinger
		s.mu.Unlock()
		if expired {
			h.sessions.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		h.log(2, "清理了 %d 个已终止会话", removed)
	}
	return removed
}
