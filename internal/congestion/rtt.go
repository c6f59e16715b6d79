// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: 路径级 RTT 观测，只进入统计，RTO 由各远端窗口自行平滑
// =============================================================================
package congestion

import "time"

// SRTT 按 1/8 权重平滑 (RFC 6298)
const srttShift = 3

// rttStats 由 PathWorker 的锁保护
type rttStats struct {
	srtt    time.Duration
	min     time.Duration
	max     time.Duration
	samples uint64
}

func (r *rttStats) add(sample time.Duration) {
	if sample <= 0 {
		return
	}
	r.samples++
	if r.samples == 1 {
		r.srtt, r.min, r.max = sample, sample, sample
		return
	}
	r.srtt += (sample - r.srtt) >> srttShift
	if sample < r.min {
		r.min = sample
	}
	if sample > r.max {
		r.max = sample
	}
}

// fill 写入路径统计
func (r *rttStats) fill(s *PathStats) {
	s.SmoothedRTT = r.srtt
	s.MinRTT = r.min
	s.MaxRTT = r.max
	s.Samples = r.samples
}
