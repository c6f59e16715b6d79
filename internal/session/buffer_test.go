// =============================================================================
// 文件: internal/session/buffer_test.go
// =============================================================================

package session

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestSendBufferWindow(t *testing.T) {
	b := newSendBuffer()
	const window = 3000

	for i := 0; i < 3; i++ {
		if !b.fits(1000, window) {
			t.Fatalf("第 %d 块应在窗口内", i+1)
		}
		b.enqueue(make([]byte, 1000))
	}
	if b.fits(1, window) {
		t.Fatal("窗口已满，不应再入队")
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		c, retransmit := b.next(window)
		if c == nil || retransmit {
			t.Fatalf("第 %d 次 next: chunk=%v retransmit=%v", i+1, c, retransmit)
		}
		b.markSent(c, 0, now)
	}
	if b.outstandingBytes() != window {
		t.Errorf("在途字节 = %d, want %d", b.outstandingBytes(), window)
	}
	if b.fits(1, window) {
		t.Error("在途数据占满窗口时不应入队")
	}

	b.onAck(1, 1, now)
	if !b.fits(1000, window) || b.fits(1001, window) {
		t.Errorf("确认第一块后应恰好腾出 1000 字节, budget=%d", b.budget())
	}
}

func TestSendBufferWatermark(t *testing.T) {
	b := newSendBuffer()
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.enqueue([]byte{byte(i)})
		c, _ := b.next(100)
		b.markSent(c, i, now)
	}

	acked := b.onAck(2, 1, now.Add(10*time.Millisecond))
	if len(acked) != 1 || acked[0].path != 1 || acked[0].rtt != 10*time.Millisecond {
		t.Fatalf("确认结果 = %+v", acked)
	}
	if b.latestConfirmed != 0 {
		t.Errorf("空洞未填上时水位 = %d, want 0", b.latestConfirmed)
	}
	if b.outstandingBytes() != 3 {
		t.Errorf("在途字节 = %d, want 3", b.outstandingBytes())
	}

	t.Run("重复确认幂等", func(t *testing.T) {
		if again := b.onAck(2, 1, now); len(again) != 0 {
			t.Errorf("重复确认不应通知路径: %+v", again)
		}
		if b.latestConfirmed != 0 {
			t.Errorf("水位 = %d", b.latestConfirmed)
		}
	})

	b.onAck(1, 1, now)
	if b.latestConfirmed != 2 {
		t.Errorf("水位 = %d, want 2", b.latestConfirmed)
	}
	b.onAck(3, 1, now)
	if b.latestConfirmed != 3 || b.outstandingBytes() != 0 || !b.idle() {
		t.Errorf("全部确认后: 水位=%d 在途=%d", b.latestConfirmed, b.outstandingBytes())
	}
	if len(b.integral) > 2 {
		t.Errorf("积分未裁剪: %v", b.integral)
	}
}

func TestSendBufferRetransmit(t *testing.T) {
	b := newSendBuffer()
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.enqueue([]byte{byte(i)})
		c, _ := b.next(100)
		b.markSent(c, 2, now)
	}

	rto := func(int) time.Duration { return 50 * time.Millisecond }
	if paths := b.expire(now.Add(10*time.Millisecond), rto); len(paths) != 0 {
		t.Fatalf("未到 RTO 不应超时: %v", paths)
	}
	paths := b.expire(now.Add(100*time.Millisecond), rto)
	if len(paths) != 3 || paths[0] != 2 {
		t.Fatalf("超时路径 = %v", paths)
	}

	// 超时块已离开在途日志，但仍计入未确认前缀
	if b.outstandingBytes() != 3 {
		t.Errorf("在途字节 = %d, want 3", b.outstandingBytes())
	}

	// 重传按序号升序
	c, retransmit := b.next(100)
	if c.seq != 1 || !retransmit {
		t.Fatalf("第一个重传块 seq=%d retransmit=%v", c.seq, retransmit)
	}
	b.markSent(c, 0, now)

	// 确认仍在重传队列中的块，直接移除且不通知路径
	if acked := b.onAck(2, 2, now); len(acked) != 0 {
		t.Errorf("重传队列中的块不应通知路径: %+v", acked)
	}
	if len(b.resend) != 0 {
		t.Errorf("重传队列剩余 %d", len(b.resend))
	}
	if b.latestConfirmed != 0 {
		t.Errorf("水位 = %d, want 0", b.latestConfirmed)
	}
	if b.retransmits != 1 {
		t.Errorf("retransmits = %d, want 1", b.retransmits)
	}

	if paths := b.abandon(); len(paths) != 1 || paths[0] != 0 {
		t.Errorf("abandon 返回 %v", paths)
	}
	if !b.idle() {
		t.Error("abandon 后应为空闲")
	}
}

func TestRecvBufferOrdering(t *testing.T) {
	const chunks = 50
	var want []byte
	data := make(map[uint32][]byte)
	for seq := uint32(1); seq <= chunks; seq++ {
		d := bytes.Repeat([]byte{byte(seq)}, int(seq%7)+1)
		data[seq] = d
		want = append(want, d...)
	}

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		order := make([]uint32, 0, chunks*2)
		for seq := uint32(1); seq <= chunks; seq++ {
			order = append(order, seq)
			if rng.Intn(3) == 0 {
				order = append(order, seq)
			}
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		r := newRecvBuffer(1 << 20)
		delivered := 0
		for _, seq := range order {
			ack, ok := r.insert(seq, data[seq])
			if !ack {
				t.Fatalf("第 %d 轮: seq %d 未被确认", round, seq)
			}
			if ok {
				delivered++
			}
		}

		got := make([]byte, len(want)+10)
		n := r.read(got)
		if !bytes.Equal(got[:n], want) {
			t.Fatalf("第 %d 轮: 重组结果不一致", round)
		}
		if r.duplicates != uint64(len(order)-chunks) {
			t.Errorf("第 %d 轮: duplicates = %d, want %d", round, r.duplicates, len(order)-chunks)
		}
		if len(r.parked) != 0 || r.parkedBytes != 0 {
			t.Errorf("第 %d 轮: 仍有 %d 个乱序块", round, len(r.parked))
		}
	}
}

func TestRecvBufferWindow(t *testing.T) {
	r := newRecvBuffer(10)

	if ack, _ := r.insert(2, make([]byte, 6)); !ack {
		t.Fatal("窗口内的乱序块应被接受")
	}
	if ack, _ := r.insert(3, make([]byte, 5)); ack {
		t.Fatal("超出窗口的块应被丢弃且不确认")
	}
	if r.dropped != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped)
	}

	ack, delivered := r.insert(1, make([]byte, 4))
	if !ack || !delivered {
		t.Fatalf("恰好填满窗口: ack=%v delivered=%v", ack, delivered)
	}
	if r.buffered() != 10 {
		t.Errorf("buffered = %d, want 10", r.buffered())
	}

	// 读取后腾出空间
	buf := make([]byte, 5)
	r.read(buf)
	if ack, _ := r.insert(3, make([]byte, 5)); !ack {
		t.Error("读取后应能接受新块")
	}
	if r.bytesRead != 5 {
		t.Errorf("bytesRead = %d, want 5", r.bytesRead)
	}

	t.Run("重复块重新确认但不交付", func(t *testing.T) {
		ack, delivered := r.insert(1, make([]byte, 4))
		if !ack || delivered {
			t.Errorf("ack=%v delivered=%v", ack, delivered)
		}
	})
}
