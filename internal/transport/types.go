// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层统一类型定义 - 多路径数据报通道
// =============================================================================
package transport

import (
	"fmt"
	"time"
)

// Receiver 数据报接收者
// path 为收到数据报的本地路径，from 为带路径前缀的来源地址
type Receiver interface {
	HandleDatagram(path int, from string, sessionID []byte, payload []byte)
}

// ReceiverFunc 函数适配器
type ReceiverFunc func(path int, from string, sessionID []byte, payload []byte)

// HandleDatagram 实现 Receiver
func (f ReceiverFunc) HandleDatagram(path int, from string, sessionID []byte, payload []byte) {
	f(path, from, sessionID, payload)
}

// 错误定义
var (
	ErrTransportClosed = fmt.Errorf("传输层已关闭")
	ErrPathNotOpen     = fmt.Errorf("路径未打开")
	ErrTooManyPaths    = fmt.Errorf("路径数超过上限")
	ErrIdentityInUse   = fmt.Errorf("身份已被占用")
)

const (
	ReadTimeout  = 5 * time.Minute
	WriteTimeout = 30 * time.Second

	// 单个 WebSocket 消息上限
	MaxMessageSize = 64 * 1024
)
