// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram），由会话处理器与隧道直接更新
// =============================================================================
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relaymux"

// SessionMetrics 会话层埋点指标，实现 session.Observer
type SessionMetrics struct {
	// 会话相关
	ActiveSessions prometheus.Gauge
	SessionsOpened *prometheus.CounterVec
	SessionsClosed *prometheus.CounterVec

	// 数据报相关
	DatagramsSent     *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec

	// 路径相关
	ChunkAcks     *prometheus.CounterVec
	ChunkTimeouts *prometheus.CounterVec
	AckLatency    *prometheus.HistogramVec

	// 隧道相关
	TunnelConnections *prometheus.CounterVec
	TunnelActive      prometheus.Gauge
	TunnelBytes       *prometheus.CounterVec
}

// NewSessionMetrics 创建并注册指标集合
func NewSessionMetrics(registry prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions not yet closed",
		}),

		SessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened by role",
		}, []string{"role"}),

		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions finished by reason",
		}, []string{"reason"}),

		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "datagrams_sent_total",
			Help:      "Session datagrams sent by kind",
		}, []string{"kind"}),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bytes_sent_total",
			Help:      "Encoded session datagram bytes sent by kind",
		}, []string{"kind"}),

		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "datagrams_received_total",
			Help:      "Session datagrams received",
		}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bytes_received_total",
			Help:      "Encoded session datagram bytes received",
		}),

		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "datagrams_dropped_total",
			Help:      "Session datagrams dropped by reason",
		}, []string{"reason"}),

		ChunkAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "acks_total",
			Help:      "Chunks acknowledged per path",
		}, []string{"path"}),

		ChunkTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "timeouts_total",
			Help:      "Chunks timed out per path",
		}, []string{"path"}),

		AckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "path",
			Name:      "ack_latency_seconds",
			Help:      "Time from chunk send to acknowledgement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"path"}),

		TunnelConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "connections_total",
			Help:      "Tunnel connections by role and status",
		}, []string{"role", "status"}),

		TunnelActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "active_connections",
			Help:      "Tunnel connections currently piping",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Bytes piped through the tunnel by direction",
		}, []string{"direction"}),
	}

	registry.MustRegister(
		m.ActiveSessions,
		m.SessionsOpened,
		m.SessionsClosed,
		m.DatagramsSent,
		m.BytesSent,
		m.DatagramsReceived,
		m.BytesReceived,
		m.DatagramsDropped,
		m.ChunkAcks,
		m.ChunkTimeouts,
		m.AckLatency,
		m.TunnelConnections,
		m.TunnelActive,
		m.TunnelBytes,
	)

	return m
}

// SessionOpened 记录会话建立
func (m *SessionMetrics) SessionOpened(role string) {
	m.SessionsOpened.WithLabelValues(role).Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed 记录会话结束
func (m *SessionMetrics) SessionClosed(reason string) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
}

// DatagramSent 记录发送
func (m *SessionMetrics) DatagramSent(kind string, bytes int) {
	m.DatagramsSent.WithLabelValues(kind).Inc()
	m.BytesSent.WithLabelValues(kind).Add(float64(bytes))
}

// DatagramReceived 记录接收
func (m *SessionMetrics) DatagramReceived(bytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// DatagramDropped 记录丢弃
func (m *SessionMetrics) DatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// ChunkAcked 记录确认与确认延迟
func (m *SessionMetrics) ChunkAcked(path int, rtt time.Duration) {
	label := strconv.Itoa(path)
	m.ChunkAcks.WithLabelValues(label).Inc()
	m.AckLatency.WithLabelValues(label).Observe(rtt.Seconds())
}

// ChunkTimeout 记录超时
func (m *SessionMetrics) ChunkTimeout(path int) {
	m.ChunkTimeouts.WithLabelValues(strconv.Itoa(path)).Inc()
}

// RecordTunnelConnection 记录隧道连接状态变化
func (m *SessionMetrics) RecordTunnelConnection(role, status string) {
	m.TunnelConnections.WithLabelValues(role, status).Inc()
	switch status {
	case "opened":
		m.TunnelActive.Inc()
	case "closed":
		m.TunnelActive.Dec()
	}
}

// RecordTunnelBytes 记录隧道流量
func (m *SessionMetrics) RecordTunnelBytes(direction string, n int64) {
	if n > 0 {
		m.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
}
