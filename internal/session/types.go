// =============================================================================
// 文件: internal/session/types.go
// 描述: 多路径可靠会话 - 常量、配置、错误与统计类型
// =============================================================================
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcgq/relaymux/internal/congestion"
)

// 协议常量
const (
	MaxMTU        = 1024
	MaxWindowSize = 4 * 1024 * 1024
	MaxPaths      = 16
	DefaultPaths  = 4

	// 每个数据报最多捎带的确认区间数
	MaxAcksPerPacket = 32

	SessionIDSize = 4

	DefaultTickInterval      = 5 * time.Millisecond
	DefaultLivenessTimeout   = 60 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultHandshakeInterval = time.Second
	DefaultClosedLinger      = 30 * time.Second
	DefaultCleanupInterval   = 10 * time.Second
)

// 错误定义
var (
	ErrSessionClosed   = fmt.Errorf("会话已关闭")
	ErrSessionBroken   = fmt.Errorf("会话已中断: 超过存活超时未收到数据")
	ErrSessionRejected = fmt.Errorf("会话请求被拒绝")
	ErrNotEstablished  = fmt.Errorf("会话未建立")
	ErrHandlerClosed   = fmt.Errorf("会话处理器已关闭")
	ErrNoPaths         = fmt.Errorf("没有可用路径")
)

// Transport 底层多路径消息通道
// Send 为即发即弃语义，返回错误只表示本地无法投递
type Transport interface {
	EnsurePaths(ctx context.Context, n int) error
	Send(path int, dest string, sessionID []byte, payload []byte) error
}

// Config 会话处理器配置
type Config struct {
	MTU               int           // 本端提议的 MTU
	WindowSize        int           // 本端提议的字节窗口
	Paths             int           // 拨号默认路径数 / 接受时偏好路径数
	InitialPathWindow int           // 每条路径对每个远端的初始槽位窗口
	InitialRTO        time.Duration // 初始 RTO (消息确认超时)
	TickInterval      time.Duration // 调度循环间隔
	LivenessTimeout   time.Duration // 超过该时间未收到任何数据报则会话中断
	KeepaliveInterval time.Duration // 发送静默超过该时间则发送保活
	HandshakeInterval time.Duration // 未建立时握手重发间隔
	ClosedLinger      time.Duration // 已关闭会话保留时间
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MTU:               MaxMTU,
		WindowSize:        MaxWindowSize,
		Paths:             DefaultPaths,
		InitialPathWindow: congestion.DefaultInitialWindow,
		InitialRTO:        congestion.DefaultInitialRTO,
		TickInterval:      DefaultTickInterval,
		LivenessTimeout:   DefaultLivenessTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		HandshakeInterval: DefaultHandshakeInterval,
		ClosedLinger:      DefaultClosedLinger,
	}
}

// normalize 补全零值并限制取值范围
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MTU <= 0 || c.MTU > MaxMTU {
		c.MTU = def.MTU
	}
	if c.WindowSize <= 0 || c.WindowSize > MaxWindowSize {
		c.WindowSize = def.WindowSize
	}
	if c.Paths <= 0 {
		c.Paths = def.Paths
	}
	if c.Paths > MaxPaths {
		c.Paths = MaxPaths
	}
	if c.InitialPathWindow <= 0 {
		c.InitialPathWindow = def.InitialPathWindow
	}
	if c.InitialRTO <= 0 {
		c.InitialRTO = def.InitialRTO
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = def.LivenessTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = def.HandshakeInterval
	}
	if c.ClosedLinger <= 0 {
		c.ClosedLinger = def.ClosedLinger
	}
}

// DialOptions 拨号参数，零值使用处理器配置
type DialOptions struct {
	Paths      int
	Prefixes   []string // 远端路径前缀，为空时使用默认前缀
	MTU        int
	WindowSize int
}

// SessionStats 会话统计
type SessionStats struct {
	Remote          string `json:"remote"`
	ID              string `json:"id"`
	Dialer          bool   `json:"dialer"`
	State           string `json:"state"`
	MTU             int    `json:"mtu"`
	WindowSize      int    `json:"window_size"`
	Paths           int    `json:"paths"`
	BytesWritten    uint64 `json:"bytes_written"`
	BytesRead       uint64 `json:"bytes_read"`
	RemoteBytesRead uint64 `json:"remote_bytes_read"`
	InFlight        int    `json:"in_flight"`
	Queued          int    `json:"queued"`
	Retransmits     uint64 `json:"retransmits"`
	Dropped         uint64 `json:"dropped"`
	PendingAcks     int    `json:"pending_acks"`
}

// HandlerSnapshot 处理器快照 (供指标收集器使用)
type HandlerSnapshot struct {
	Identity    string
	Sessions    []SessionStats
	Paths       []congestion.PathStats
	Dialed      uint64
	Accepted    uint64
	Rejected    uint64
	Broken      uint64
	Malformed   uint64
	PacketsSent uint64
	PacketsRecv uint64
}

// Observer 会话事件观察者 (指标埋点)
type Observer interface {
	SessionOpened(role string)
	SessionClosed(reason string)
	DatagramSent(kind string, bytes int)
	DatagramReceived(bytes int)
	ChunkTimeout(path int)
	ChunkAcked(path int, rtt time.Duration)
	DatagramDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(string) {}
func (nopObserver) SessionClosed(string) {}
func (nopObserver) DatagramSent(string, int) {}
func (nopObserver) DatagramReceived(int) {}
func (nopObserver) ChunkTimeout(int) {}
func (nopObserver) ChunkAcked(int, time.Duration) {}
func (nopObserver) DatagramDropped(string) {}
