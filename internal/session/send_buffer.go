// =============================================================================
// 文件: internal/session/send_buffer.go
// 描述: 会话发送缓冲区 - 待发队列、在途日志、重传队列与字节积分
//       调用方持有会话锁
// =============================================================================
package session

import (
	"sort"
	"time"
)

// dataChunk 带序号的数据块，序号从 1 开始
type dataChunk struct {
	seq  uint32
	data []byte
}

// sentEntry 在途记录
type sentEntry struct {
	chunk  *dataChunk
	sentAt time.Time
	path   int
}

// ackResult 被确认的在途记录
type ackResult struct {
	path int
	rtt  time.Duration
}

// sendBuffer 发送缓冲区
type sendBuffer struct {
	nextSeq         uint32 // 最后分配的序号
	latestSent      uint32 // 积分已记录的最高连续序号
	latestConfirmed uint32 // 所有 <= 该序号的块都已确认

	queue       []*dataChunk
	queuedBytes int

	sent   map[uint32]*sentEntry
	resend []*dataChunk // 按序号升序

	// integral[s] = 序号 1..s 的数据长度累计
	integral map[uint32]uint64

	bytesQueued uint64
	retransmits uint64
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{
		sent:     make(map[uint32]*sentEntry),
		integral: map[uint32]uint64{0: 0},
	}
}

// outstandingBytes 已发送但未确认前缀覆盖的字节数
func (b *sendBuffer) outstandingBytes() int {
	return int(b.integral[b.latestSent] - b.integral[b.latestConfirmed])
}

// budget 在途字节 + 排队字节
func (b *sendBuffer) budget() int {
	return b.outstandingBytes() + b.queuedBytes
}

// fits 入队 n 字节后是否仍在窗口内
func (b *sendBuffer) fits(n, window int) bool {
	return b.budget()+n <= window
}

func (b *sendBuffer) enqueue(data []byte) uint32 {
	b.nextSeq++
	b.queue = append(b.queue, &dataChunk{seq: b.nextSeq, data: data})
	b.queuedBytes += len(data)
	b.bytesQueued += uint64(len(data))
	return b.nextSeq
}

func (b *sendBuffer) canSendNew(window int) bool {
	return len(b.queue) > 0 && b.outstandingBytes()+len(b.queue[0].data) <= window
}

// hasSendable 是否有重传块或窗口内的新块
func (b *sendBuffer) hasSendable(window int) bool {
	return len(b.resend) > 0 || b.canSendNew(window)
}

// next 取下一个要发送的块，重传优先
func (b *sendBuffer) next(window int) (*dataChunk, bool) {
	if len(b.resend) > 0 {
		c := b.resend[0]
		b.resend[0] = nil
		b.resend = b.resend[1:]
		b.retransmits++
		return c, true
	}
	if b.canSendNew(window) {
		c := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queuedBytes -= len(c.data)
		return c, false
	}
	return nil, false
}

// markSent 记录在途，首次发送的块推进积分
func (b *sendBuffer) markSent(c *dataChunk, path int, now time.Time) {
	b.sent[c.seq] = &sentEntry{chunk: c, sentAt: now, path: path}
	if c.seq == b.latestSent+1 {
		b.integral[c.seq] = b.integral[b.latestSent] + uint64(len(c.data))
		b.latestSent = c.seq
	}
}

// expire 超过各自路径 RTO 的在途块移入重传队列，返回它们的路径
func (b *sendBuffer) expire(now time.Time, rto func(path int) time.Duration) []int {
	var paths []int
	for seq, e := range b.sent {
		if now.Sub(e.sentAt) <= rto(e.path) {
			continue
		}
		delete(b.sent, seq)
		b.pushResend(e.chunk)
		paths = append(paths, e.path)
	}
	return paths
}

func (b *sendBuffer) pushResend(c *dataChunk) {
	i := sort.Search(len(b.resend), func(i int) bool { return b.resend[i].seq >= c.seq })
	if i < len(b.resend) && b.resend[i].seq == c.seq {
		return
	}
	b.resend = append(b.resend, nil)
	copy(b.resend[i+1:], b.resend[i:])
	b.resend[i] = c
}

// onAck 处理确认区间 [start, start+count)
// 只有真正从在途日志移除的记录才会返回，重复确认不产生效果
func (b *sendBuffer) onAck(start, count uint32, now time.Time) []ackResult {
	if count == 0 {
		return nil
	}
	r := ackBundle{start: start, count: count}

	var acked []ackResult
	for seq, e := range b.sent {
		if r.covers(seq) {
			delete(b.sent, seq)
			acked = append(acked, ackResult{path: e.path, rtt: now.Sub(e.sentAt)})
		}
	}

	kept := b.resend[:0]
	for _, c := range b.resend {
		if !r.covers(c.seq) {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(b.resend); i++ {
		b.resend[i] = nil
	}
	b.resend = kept

	b.updateConfirmed()
	return acked
}

// updateConfirmed 推进确认水位并裁剪积分
func (b *sendBuffer) updateConfirmed() {
	var lowest uint32
	found := false
	for seq := range b.sent {
		if !found || seq < lowest {
			lowest, found = seq, true
		}
	}
	if len(b.resend) > 0 && (!found || b.resend[0].seq < lowest) {
		lowest, found = b.resend[0].seq, true
	}

	if found {
		b.latestConfirmed = lowest - 1
	} else {
		b.latestConfirmed = b.latestSent
	}

	for seq := range b.integral {
		if seq < b.latestConfirmed {
			delete(b.integral, seq)
		}
	}
}

// abandon 丢弃全部待发与在途数据，返回在途记录占用的路径
func (b *sendBuffer) abandon() []int {
	paths := make([]int, 0, len(b.sent))
	for seq, e := range b.sent {
		paths = append(paths, e.path)
		delete(b.sent, seq)
	}
	b.queue = nil
	b.queuedBytes = 0
	b.resend = nil
	return paths
}

// idle 没有排队、在途或待重传的数据
func (b *sendBuffer) idle() bool {
	return len(b.queue) == 0 && len(b.sent) == 0 && len(b.resend) == 0
}

func (b *sendBuffer) inFlight() int {
	return len(b.sent) + len(b.resend)
}
