// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 路径拥塞控制 - 常量与统计类型
// =============================================================================
package congestion

import (
	"fmt"
	"time"
)

// 窗口常量 (单位: 槽位，与会话字节窗口无关)
const (
	MinWindow            = 1
	MaxWindow            = 256
	DefaultInitialWindow = 16

	// DefaultInitialRTO 初始 RTO，等于消息确认超时
	DefaultInitialRTO = 5000 * time.Millisecond

	// RTO 平滑参数: rto += round(tanh((3*rtt - rto) / rtoScaleMs) * rtoStepMs)
	rtoRTTFactor = 3
	rtoScaleMs   = 1000.0
	rtoStepMs    = 100.0
)

// 错误定义
var (
	ErrWorkerClosed = fmt.Errorf("路径已关闭")
	ErrNotTracked   = fmt.Errorf("远端未被追踪")
)

// WindowStats 单个 (路径, 远端) 窗口统计
type WindowStats struct {
	Remote    string        `json:"remote"`
	MaxWindow int           `json:"max_window"`
	Used      int           `json:"used"`
	RTO       time.Duration `json:"rto"`
	Acks      uint64        `json:"acks"`
	Timeouts  uint64        `json:"timeouts"`
}

// PathStats 路径统计
type PathStats struct {
	Index       int           `json:"index"`
	SmoothedRTT time.Duration `json:"srtt"`
	MinRTT      time.Duration `json:"min_rtt"`
	MaxRTT      time.Duration `json:"max_rtt"`
	Samples     uint64        `json:"samples"`
	Acks        uint64        `json:"acks"`
	Timeouts    uint64        `json:"timeouts"`
	Windows     []WindowStats `json:"windows"`
}
