// =============================================================================
// 文件: internal/transport/utls.go
// 描述: wss:// 拨号 - 以浏览器 ClientHello 指纹建立 TLS
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
)

// Fingerprint 浏览器指纹类型
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
	FingerprintGolang  Fingerprint = "golang" // 不伪装
)

var helloIDs = map[Fingerprint]utls.ClientHelloID{
	FingerprintChrome:  utls.HelloChrome_Auto,
	FingerprintFirefox: utls.HelloFirefox_Auto,
	FingerprintSafari:  utls.HelloSafari_Auto,
	FingerprintIOS:     utls.HelloIOS_Auto,
	FingerprintEdge:    utls.HelloEdge_Auto,
	FingerprintGolang:  utls.HelloGolang,
}

// random 只在主流浏览器间选择
var randomPool = []Fingerprint{FingerprintChrome, FingerprintFirefox, FingerprintSafari, FingerprintEdge}

// ParseFingerprint 解析指纹名，未知名称回落为 chrome
func ParseFingerprint(name string) Fingerprint {
	fp := Fingerprint(strings.ToLower(name))
	switch fp {
	case "go", "none":
		return FingerprintGolang
	case FingerprintRandom:
		return fp
	}
	if _, ok := helloIDs[fp]; ok {
		return fp
	}
	return FingerprintChrome
}

// UTLSConfig TLS 拨号配置
type UTLSConfig struct {
	ServerName         string // 为空时取拨号地址的主机名
	Fingerprint        Fingerprint
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	HandshakeTimeout   time.Duration
}

// UTLSStats 拨号统计
type UTLSStats struct {
	Dials     uint64
	Succeeded uint64
	Failed    uint64
}

// UTLSClient 作为 websocket.Dialer.NetDialTLSContext 使用
type UTLSClient struct {
	cfg   UTLSConfig
	sugar *zap.SugaredLogger

	dials     uint64
	succeeded uint64
	failed    uint64
}

// NewUTLSClient 创建拨号器
func NewUTLSClient(cfg *UTLSConfig, logger *zap.Logger) *UTLSClient {
	c := &UTLSClient{}
	if cfg != nil {
		c.cfg = *cfg
	}
	if c.cfg.Fingerprint == "" {
		c.cfg.Fingerprint = FingerprintChrome
	}
	if c.cfg.HandshakeTimeout <= 0 {
		c.cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c.sugar = logger.Named("utls").Sugar()
	return c
}

func (c *UTLSClient) helloID() utls.ClientHelloID {
	fp := c.cfg.Fingerprint
	if fp == FingerprintRandom {
		fp = randomPool[rand.Intn(len(randomPool))]
	}
	if id, ok := helloIDs[fp]; ok {
		return id
	}
	return utls.HelloChrome_Auto
}

// DialTLSContext 拨号并完成 TLS 握手
func (c *UTLSClient) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	atomic.AddUint64(&c.dials, 1)
	conn, err := c.dial(ctx, network, addr)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		return nil, err
	}
	atomic.AddUint64(&c.succeeded, 1)
	return conn, nil
}

func (c *UTLSClient) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	raw, err := new(net.Dialer).DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	sni := c.cfg.ServerName
	if sni == "" {
		sni, _, _ = net.SplitHostPort(addr)
	}
	uconn := utls.UClient(raw, &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		RootCAs:            c.cfg.RootCAs,
		// WebSocket 升级只能走 HTTP/1.1
		NextProtos: []string{"http/1.1"},
	}, c.helloID())

	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}

	state := uconn.ConnectionState()
	if p := state.NegotiatedProtocol; p != "" && p != "http/1.1" {
		uconn.Close()
		return nil, fmt.Errorf("服务器协商了不支持的 ALPN: %s", p)
	}
	c.sugar.Debugf("TLS 已建立: sni=%s fingerprint=%s version=0x%04x", sni, c.cfg.Fingerprint, state.Version)
	return uconn, nil
}

// GetStats 获取统计信息
func (c *UTLSClient) GetStats() UTLSStats {
	return UTLSStats{
		Dials:     atomic.LoadUint64(&c.dials),
		Succeeded: atomic.LoadUint64(&c.succeeded),
		Failed:    atomic.LoadUint64(&c.failed),
	}
}
