// =============================================================================
// 文件: internal/crypto/replay.go
// 描述: 防重放 - 按时间片轮换的布隆过滤器 + 最近 nonce 精确缓存
// =============================================================================

package crypto

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	bloomExpectedItems = 100000
	bloomFalsePositive = 0.0001

	// 10 秒一片，保留 12 片，覆盖时间戳允许的偏差
	sliceDuration = 10 * time.Second
	maxSlices     = 12

	exactCacheSize = 10000
)

// ReplayGuard 防重放保护器
type ReplayGuard struct {
	mu      sync.RWMutex
	slices  [maxSlices]*bloom.BloomFilter
	current int

	exact *recentSet

	stats ReplayStats

	stopCh    chan struct{}
	closeOnce sync.Once
}

// ReplayStats 统计信息
type ReplayStats struct {
	TotalChecks   uint64
	ReplayBlocked uint64
	BloomHits     uint64
	ExactHits     uint64
}

// NewReplayGuard 创建防重放保护器并启动轮换协程
func NewReplayGuard() *ReplayGuard {
	rg := newReplayGuard()
	go rg.rotateLoop()
	return rg
}

func newReplayGuard() *ReplayGuard {
	rg := &ReplayGuard{
		exact:  newRecentSet(exactCacheSize),
		stopCh: make(chan struct{}),
	}
	for i := range rg.slices {
		rg.slices[i] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	}
	return rg
}

// Seen 是否可能已见过该 nonce (不标记)
func (rg *ReplayGuard) Seen(nonce []byte) bool {
	if rg.exact.contains(hashNonce(nonce)) {
		return true
	}
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	for _, f := range rg.slices {
		if f.Test(nonce) {
			return true
		}
	}
	return false
}

// CheckAndMark 检查并标记，返回 true 表示新 nonce
// 布隆过滤器命中按重放处理
func (rg *ReplayGuard) CheckAndMark(nonce []byte) bool {
	atomic.AddUint64(&rg.stats.TotalChecks, 1)

	h := hashNonce(nonce)
	if rg.exact.contains(h) {
		atomic.AddUint64(&rg.stats.ExactHits, 1)
		atomic.AddUint64(&rg.stats.ReplayBlocked, 1)
		return false
	}

	rg.mu.Lock()
	for _, f := range rg.slices {
		if f.Test(nonce) {
			rg.mu.Unlock()
			atomic.AddUint64(&rg.stats.BloomHits, 1)
			atomic.AddUint64(&rg.stats.ReplayBlocked, 1)
			return false
		}
	}
	rg.slices[rg.current].Add(nonce)
	rg.mu.Unlock()

	rg.exact.add(h)
	return true
}

// rotate 丢弃最老的时间片
func (rg *ReplayGuard) rotate() {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rg.current = (rg.current + 1) % maxSlices
	rg.slices[rg.current] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
}

func (rg *ReplayGuard) rotateLoop() {
	ticker := time.NewTicker(sliceDuration)
	defer ticker.Stop()

	for {
		select {
		case <-rg.stopCh:
			return
		case <-ticker.C:
			rg.rotate()
		}
	}
}

// Close 停止轮换
func (rg *ReplayGuard) Close() {
	rg.closeOnce.Do(func() { close(rg.stopCh) })
}

// Stats 返回统计信息
func (rg *ReplayGuard) Stats() ReplayStats {
	return ReplayStats{
		TotalChecks:   atomic.LoadUint64(&rg.stats.TotalChecks),
		ReplayBlocked: atomic.LoadUint64(&rg.stats.ReplayBlocked),
		BloomHits:     atomic.LoadUint64(&rg.stats.BloomHits),
		ExactHits:     atomic.LoadUint64(&rg.stats.ExactHits),
	}
}

func hashNonce(nonce []byte) uint64 {
	h := fnv.New64a()
	h.Write(nonce)
	return h.Sum64()
}

// recentSet 固定容量的最近 nonce 集合，满时淘汰最早加入的
type recentSet struct {
	mu    sync.Mutex
	items map[uint64]struct{}
	ring  []uint64
	next  int
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		items: make(map[uint64]struct{}, capacity),
		ring:  make([]uint64, 0, capacity),
	}
}

func (s *recentSet) add(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		return
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, key)
	} else {
		delete(s.items, s.ring[s.next])
		s.ring[s.next] = key
		s.next = (s.next + 1) % len(s.ring)
	}
	s.items[key] = struct{}{}
}

func (s *recentSet) contains(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}
