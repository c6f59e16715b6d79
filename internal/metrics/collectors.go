// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 抓取时从会话处理器和中继拉取快照
// =============================================================================
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/relaymux/internal/session"
	"github.com/mrcgq/relaymux/internal/transport"
)

// =============================================================================
// Handler 收集器
// =============================================================================

// HandlerSnapshotter 会话处理器快照接口
type HandlerSnapshotter interface {
	Snapshot() session.HandlerSnapshot
}

// HandlerCollector 会话处理器指标收集器
type HandlerCollector struct {
	provider HandlerSnapshotter

	dialedDesc      *prometheus.Desc
	acceptedDesc    *prometheus.Desc
	rejectedDesc    *prometheus.Desc
	brokenDesc      *prometheus.Desc
	malformedDesc   *prometheus.Desc
	packetsSentDesc *prometheus.Desc
	packetsRecvDesc *prometheus.Desc

	// 会话聚合
	sessionsDesc    *prometheus.Desc
	inFlightDesc    *prometheus.Desc
	queuedDesc      *prometheus.Desc
	retransmitsDesc *prometheus.Desc

	// 路径相关
	pathSRTTDesc     *prometheus.Desc
	pathMinRTTDesc   *prometheus.Desc
	pathWindowDesc   *prometheus.Desc
	pathUsedDesc     *prometheus.Desc
	pathRTODesc      *prometheus.Desc
	pathTimeoutsDesc *prometheus.Desc
}

// NewHandlerCollector 创建会话处理器收集器
func NewHandlerCollector(provider HandlerSnapshotter) *HandlerCollector {
	subsystem := "handler"
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &HandlerCollector{
		provider: provider,

		dialedDesc:      desc("dialed_total", "Sessions dialed"),
		acceptedDesc:    desc("accepted_total", "Incoming sessions accepted"),
		rejectedDesc:    desc("rejected_total", "Incoming sessions rejected"),
		brokenDesc:      desc("broken_total", "Sessions declared broken by the liveness timeout"),
		malformedDesc:   desc("malformed_total", "Datagrams that failed to decode"),
		packetsSentDesc: desc("packets_sent_total", "Session datagrams handed to the transport"),
		packetsRecvDesc: desc("packets_received_total", "Session datagrams received from the transport"),

		sessionsDesc:    desc("sessions", "Sessions by state", "state"),
		inFlightDesc:    desc("in_flight_bytes", "Unacknowledged bytes across all sessions"),
		queuedDesc:      desc("queued_bytes", "Bytes queued but not yet sent across all sessions"),
		retransmitsDesc: desc("retransmits_total", "Chunk retransmissions across live sessions"),

		pathSRTTDesc:     desc("path_srtt_seconds", "Smoothed RTT per path", "path"),
		pathMinRTTDesc:   desc("path_min_rtt_seconds", "Minimum RTT per path", "path"),
		pathWindowDesc:   desc("path_window_slots", "Slot window per path and remote", "path", "remote"),
		pathUsedDesc:     desc("path_used_slots", "Slots in use per path and remote", "path", "remote"),
		pathRTODesc:      desc("path_rto_seconds", "Retransmission timeout per path and remote", "path", "remote"),
		pathTimeoutsDesc: desc("path_timeouts_total", "Chunk timeouts per path", "path"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *HandlerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dialedDesc
	ch <- c.acceptedDesc
	ch <- c.rejectedDesc
	ch <- c.brokenDesc
	ch <- c.malformedDesc
	ch <- c.packetsSentDesc
	ch <- c.packetsRecvDesc
	ch <- c.sessionsDesc
	ch <- c.inFlightDesc
	ch <- c.queuedDesc
	ch <- c.retransmitsDesc
	ch <- c.pathSRTTDesc
	ch <- c.pathMinRTTDesc
	ch <- c.pathWindowDesc
	ch <- c.pathUsedDesc
	ch <- c.pathRTODesc
	ch <- c.pathTimeoutsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *HandlerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.provider.Snapshot()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.dialedDesc, snap.Dialed)
	counter(c.acceptedDesc, snap.Accepted)
	counter(c.rejectedDesc, snap.Rejected)
	counter(c.brokenDesc, snap.Broken)
	counter(c.malformedDesc, snap.Malformed)
	counter(c.packetsSentDesc, snap.PacketsSent)
	counter(c.packetsRecvDesc, snap.PacketsRecv)

	states := map[string]int{"pending": 0, "established": 0, "closing": 0, "closed": 0, "broken": 0}
	var inFlight, queued int
	var retransmits uint64
	for _, s := range snap.Sessions {
		states[s.State]++
		inFlight += s.InFlight
		queued += s.Queued
		retransmits += s.Retransmits
	}
	for state, n := range states {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(inFlight))
	ch <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(queued))
	counter(c.retransmitsDesc, retransmits)

	for _, p := range snap.Paths {
		path := strconv.Itoa(p.Index)
		ch <- prometheus.MustNewConstMetric(c.pathSRTTDesc, prometheus.GaugeValue, p.SmoothedRTT.Seconds(), path)
		ch <- prometheus.MustNewConstMetric(c.pathMinRTTDesc, prometheus.GaugeValue, p.MinRTT.Seconds(), path)
		ch <- prometheus.MustNewConstMetric(c.pathTimeoutsDesc, prometheus.CounterValue, float64(p.Timeouts), path)
		for _, w := range p.Windows {
			ch <- prometheus.MustNewConstMetric(c.pathWindowDesc, prometheus.GaugeValue, float64(w.MaxWindow), path, w.Remote)
			ch <- prometheus.MustNewConstMetric(c.pathUsedDesc, prometheus.GaugeValue, float64(w.Used), path, w.Remote)
			ch <- prometheus.MustNewConstMetric(c.pathRTODesc, prometheus.GaugeValue, w.RTO.Seconds(), path, w.Remote)
		}
	}
}

// =============================================================================
// Relay 收集器
// =============================================================================

// RelayStatsProvider 中继统计接口
type RelayStatsProvider interface {
	GetStats() transport.RelayStats
}

// RelayCollector 中继指标收集器
type RelayCollector struct {
	provider RelayStatsProvider

	activeConnsDesc *prometheus.Desc
	routesDesc      *prometheus.Desc
	forwardedDesc   *prometheus.Desc
	unroutableDesc  *prometheus.Desc
	malformedDesc   *prometheus.Desc
	writeErrorsDesc *prometheus.Desc
}

// NewRelayCollector 创建中继收集器
func NewRelayCollector(provider RelayStatsProvider) *RelayCollector {
	subsystem := "relay"

	return &RelayCollector{
		provider: provider,

		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_connections"),
			"Connected path identities",
			nil, nil,
		),
		routesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "routes"),
			"Routable addresses, including bare identities of path 0",
			nil, nil,
		),
		forwardedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "forwarded_total"),
			"Envelopes forwarded",
			nil, nil,
		),
		unroutableDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "unroutable_total"),
			"Envelopes addressed to unknown destinations",
			nil, nil,
		),
		malformedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "malformed_total"),
			"Frames that failed to decode",
			nil, nil,
		),
		writeErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "write_errors_total"),
			"Failed writes to destination connections",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *RelayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnsDesc
	ch <- c.routesDesc
	ch <- c.forwardedDesc
	ch <- c.unroutableDesc
	ch <- c.malformedDesc
	ch <- c.writeErrorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *RelayCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.provider.GetStats()
	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue, float64(stats.ActiveConns))
	ch <- prometheus.MustNewConstMetric(c.routesDesc, prometheus.GaugeValue, float64(stats.Routes))
	ch <- prometheus.MustNewConstMetric(c.forwardedDesc, prometheus.CounterValue, float64(stats.Forwarded))
	ch <- prometheus.MustNewConstMetric(c.unroutableDesc, prometheus.CounterValue, float64(stats.Unroutable))
	ch <- prometheus.MustNewConstMetric(c.malformedDesc, prometheus.CounterValue, float64(stats.Malformed))
	ch <- prometheus.MustNewConstMetric(c.writeErrorsDesc, prometheus.CounterValue, float64(stats.WriteErrors))
}
