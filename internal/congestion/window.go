// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 路径工作者 - 每个 (本地路径, 远端) 的槽位窗口与 RTO 追踪
//       确认: 窗口 +1，超时: 窗口减半，两者都释放一个槽位
// =============================================================================
package congestion

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// PathWorker 路径工作者
type PathWorker struct {
	index      int
	initialRTO time.Duration

	mu      sync.Mutex
	windows map[string]*window
	notify  chan struct{} // 每次释放槽位时关闭并替换，唤醒等待者
	closed  bool
	rtt     rttStats

	acks     uint64
	timeouts uint64
}

type window struct {
	max      int
	used     int
	rto      time.Duration
	acks     uint64
	timeouts uint64
}

// NewPathWorker 创建路径工作者
func NewPathWorker(index int, initialRTO time.Duration) *PathWorker {
	if initialRTO <= 0 {
		initialRTO = DefaultInitialRTO
	}
	return &PathWorker{
		index:      index,
		initialRTO: initialRTO,
		windows:    make(map[string]*window),
		notify:     make(chan struct{}),
	}
}

// Index 路径序号
func (p *PathWorker) Index() int {
	return p.index
}

// Track 开始追踪远端，已追踪时不做任何改变
func (p *PathWorker) Track(remote string, initialWindow int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.windows[remote]; ok {
		return
	}
	p.windows[remote] = &window{
		max: clampWindow(initialWindow),
		rto: p.initialRTO,
	}
}

// lookup 获取窗口，未追踪的远端按默认初始窗口追踪 (需持有锁)
func (p *PathWorker) lookup(remote string) *window {
	w, ok := p.windows[remote]
	if !ok {
		w = &window{max: DefaultInitialWindow, rto: p.initialRTO}
		p.windows[remote] = w
	}
	return w
}

// Available 是否有空闲槽位
func (p *PathWorker) Available(remote string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	w := p.lookup(remote)
	return w.used < w.max
}

// TryAcquire 非阻塞占用一个槽位
func (p *PathWorker) TryAcquire(remote string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	w := p.lookup(remote)
	if w.used >= w.max {
		return false
	}
	w.used++
	return true
}

// Acquire 阻塞直到有空闲槽位并占用
func (p *PathWorker) Acquire(ctx context.Context, remote string) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrWorkerClosed
		}
		w := p.lookup(remote)
		if w.used < w.max {
			w.used++
			p.mu.Unlock()
			return nil
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// OnAck 确认: 释放槽位，窗口 +1，平滑 RTO
func (p *PathWorker) OnAck(remote string, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rtt.add(rtt)

	w := p.lookup(remote)
	w.release()
	if w.max < MaxWindow {
		w.max++
	}
	w.rto = nextRTO(w.rto, rtt)
	w.acks++
	p.acks++
	p.broadcast()
}

// OnTimeout 超时: 释放槽位，窗口减半 (不低于 MinWindow)
func (p *PathWorker) OnTimeout(remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.lookup(remote)
	w.release()
	w.max /= 2
	if w.max < MinWindow {
		w.max = MinWindow
	}
	w.timeouts++
	p.timeouts++
	p.broadcast()
}

// Release 释放槽位，不改变窗口 (会话放弃在途数据时使用)
func (p *PathWorker) Release(remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lookup(remote).release()
	p.broadcast()
}

// RTO 当前重传超时
func (p *PathWorker) RTO(remote string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(remote).rto
}

// Window 返回 (maxWindow, usedWindow)
func (p *PathWorker) Window(remote string) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.lookup(remote)
	return w.max, w.used
}

// Close 关闭路径，唤醒所有等待者
func (p *PathWorker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.broadcast()
}

// Stats 获取统计
func (p *PathWorker) Stats() PathStats {
	p.mu.Lock()
	stats := PathStats{
		Index:    p.index,
		Acks:     p.acks,
		Timeouts: p.timeouts,
		Windows:  make([]WindowStats, 0, len(p.windows)),
	}
	for remote, w := range p.windows {
		stats.Windows = append(stats.Windows, WindowStats{
			Remote:    remote,
			MaxWindow: w.max,
			Used:      w.used,
			RTO:       w.rto,
			Acks:      w.acks,
			Timeouts:  w.timeouts,
		})
	}
	p.rtt.fill(&stats)
	p.mu.Unlock()

	sort.Slice(stats.Windows, func(i, j int) bool {
		return stats.Windows[i].Remote < stats.Windows[j].Remote
	})
	return stats
}

// broadcast 唤醒等待者 (需持有锁)
func (p *PathWorker) broadcast() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (w *window) release() {
	if w.used > 0 {
		w.used--
	}
}

// nextRTO rto + round(tanh((3*rtt - rto)/1000) * 100)，单位毫秒
func nextRTO(rto, rtt time.Duration) time.Duration {
	rtoMs := float64(rto.Milliseconds())
	rttMs := float64(rtt.Milliseconds())
	delta := math.Round(math.Tanh((rtoRTTFactor*rttMs-rtoMs)/rtoScaleMs) * rtoStepMs)
	next := time.Duration(rtoMs+delta) * time.Millisecond
	if next < time.Millisecond {
		next = time.Millisecond
	}
	return next
}

func clampWindow(n int) int {
	if n < MinWindow {
		return MinWindow
	}
	if n > MaxWindow {
		return MaxWindow
	}
	return n
}
