// =============================================================================
// 文件: internal/transport/mem.go
// 描述: 进程内多路径数据报集线器 - 按完整地址路由，可注入丢包、重复与乱序
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/relaymux/internal/protocol"
)

const memInboxSize = 4096

// MemHubConfig 故障注入配置
type MemHubConfig struct {
	LossRate      float64       // 丢包率 [0, 1]
	DuplicateRate float64       // 重复率 [0, 1]
	MaxDelay      time.Duration // 随机延迟上限，造成乱序
	Seed          int64         // 0 使用当前时间
}

// MemHubStats 集线器统计
type MemHubStats struct {
	Sent       uint64
	Delivered  uint64
	Lost       uint64
	Duplicated uint64
	Unroutable uint64
	Overflow   uint64
}

// MemHub 进程内集线器
type MemHub struct {
	mu     sync.RWMutex
	routes map[string]*memRoute
	cfg    MemHubConfig
	closed bool

	rngMu sync.Mutex
	rng   *rand.Rand

	stats MemHubStats
	wg    sync.WaitGroup
}

type memDatagram struct {
	from      string
	sessionID []byte
	payload   []byte
}

// memRoute 一条路径的收件箱
type memRoute struct {
	ep    *MemEndpoint
	path  int
	inbox chan memDatagram
	done  chan struct{}
}

// NewMemHub 创建集线器
func NewMemHub(cfg MemHubConfig) *MemHub {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MemHub{
		routes: make(map[string]*memRoute),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// SetLossRate 动态调整丢包率 (1 表示完全断开)
func (h *MemHub) SetLossRate(rate float64) {
	h.mu.Lock()
	h.cfg.LossRate = rate
	h.mu.Unlock()
}

// Endpoint 创建一个身份的端点，最多 maxPaths 条路径
func (h *MemHub) Endpoint(identity string, maxPaths int) *MemEndpoint {
	if maxPaths <= 0 {
		maxPaths = 1
	}
	return &MemEndpoint{hub: h, identity: identity, maxPaths: maxPaths}
}

// register 注册路径地址，路径 0 同时注册裸身份
func (h *MemHub) register(ep *MemEndpoint, path int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrTransportClosed
	}
	addr := protocol.PathAddr(path, ep.identity)
	if _, ok := h.routes[addr]; ok {
		return fmt.Errorf("%w: %s", ErrIdentityInUse, addr)
	}

	r := &memRoute{
		ep:    ep,
		path:  path,
		inbox: make(chan memDatagram, memInboxSize),
		done:  make(chan struct{}),
	}
	h.routes[addr] = r
	if path == 0 {
		h.routes[ep.identity] = r
	}

	h.wg.Add(1)
	go h.deliverLoop(r)
	return nil
}

func (h *MemHub) unregister(ep *MemEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for addr, r := range h.routes {
		if r.ep != ep {
			continue
		}
		delete(h.routes, addr)
		if addr != ep.identity {
			close(r.done)
		}
	}
}

// deliverLoop 按到达顺序把收件箱交给接收者
func (h *MemHub) deliverLoop(r *memRoute) {
	defer h.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case d := <-r.inbox:
			if recv := r.ep.getReceiver(); recv != nil {
				recv.HandleDatagram(r.path, d.from, d.sessionID, d.payload)
				atomic.AddUint64(&h.stats.Delivered, 1)
			}
		}
	}
}

// send 路由数据报，按配置丢弃、重复或延迟
func (h *MemHub) send(from, dest string, sessionID, payload []byte) {
	atomic.AddUint64(&h.stats.Sent, 1)

	h.mu.RLock()
	r, ok := h.routes[dest]
	cfg := h.cfg
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		return
	}
	if !ok {
		atomic.AddUint64(&h.stats.Unroutable, 1)
		return
	}
	if h.chance(cfg.LossRate) {
		atomic.AddUint64(&h.stats.Lost, 1)
		return
	}

	copies := 1
	if h.chance(cfg.DuplicateRate) {
		copies = 2
		atomic.AddUint64(&h.stats.Duplicated, 1)
	}

	d := memDatagram{
		from:      from,
		sessionID: append([]byte(nil), sessionID...),
		payload:   append([]byte(nil), payload...),
	}
	for i := 0; i < copies; i++ {
		delay := h.delay(cfg.MaxDelay)
		if delay <= 0 {
			h.enqueue(r, d)
			continue
		}
		time.AfterFunc(delay, func() { h.enqueue(r, d) })
	}
}

func (h *MemHub) enqueue(r *memRoute, d memDatagram) {
	select {
	case <-r.done:
	case r.inbox <- d:
	default:
		atomic.AddUint64(&h.stats.Overflow, 1)
	}
}

func (h *MemHub) chance(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64() < rate
}

func (h *MemHub) delay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return time.Duration(h.rng.Int63n(int64(max)))
}

// Stats 获取统计
func (h *MemHub) Stats() MemHubStats {
	return MemHubStats{
		Sent:       atomic.LoadUint64(&h.stats.Sent),
		Delivered:  atomic.LoadUint64(&h.stats.Delivered),
		Lost:       atomic.LoadUint64(&h.stats.Lost),
		Duplicated: atomic.LoadUint64(&h.stats.Duplicated),
		Unroutable: atomic.LoadUint64(&h.stats.Unroutable),
		Overflow:   atomic.LoadUint64(&h.stats.Overflow),
	}
}

// Close 关闭集线器并等待投递协程退出
func (h *MemHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for addr, r := range h.routes {
		if addr == r.ep.identity {
			continue
		}
		close(r.done)
	}
	h.routes = make(map[string]*memRoute)
	h.mu.Unlock()

	h.wg.Wait()
}

// MemEndpoint 集线器上的一个身份
type MemEndpoint struct {
	hub      *MemHub
	identity string
	maxPaths int

	mu       sync.RWMutex
	paths    int
	receiver Receiver
}

// Identity 本地身份
func (e *MemEndpoint) Identity() string {
	return e.identity
}

// SetReceiver 设置接收者
func (e *MemEndpoint) SetReceiver(r Receiver) {
	e.mu.Lock()
	e.receiver = r
	e.mu.Unlock()
}

func (e *MemEndpoint) getReceiver() Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.receiver
}

// EnsurePaths 确保至少打开 n 条路径
func (e *MemEndpoint) EnsurePaths(ctx context.Context, n int) error {
	if n > e.maxPaths {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPaths, n, e.maxPaths)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.paths < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.hub.register(e, e.paths); err != nil {
			return err
		}
		e.paths++
	}
	return nil
}

// Paths 已打开路径数
func (e *MemEndpoint) Paths() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paths
}

// Send 从第 path 条路径发送到 dest
func (e *MemEndpoint) Send(path int, dest string, sessionID []byte, payload []byte) error {
	e.mu.RLock()
	open := path >= 0 && path < e.paths
	e.mu.RUnlock()
	if !open {
		return fmt.Errorf("%w: %d", ErrPathNotOpen, path)
	}
	e.hub.send(protocol.PathAddr(path, e.identity), dest, sessionID, payload)
	return nil
}

// Close 注销所有路径
func (e *MemEndpoint) Close() error {
	e.hub.unregister(e)
	e.mu.Lock()
	e.paths = 0
	e.mu.Unlock()
	return nil
}
