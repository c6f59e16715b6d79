// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 中继节点与隧道节点共用一份 YAML 配置
//       端口冲突检测、会话参数范围校验、中继 TLS/ACME 校验、示例配置生成
// =============================================================================
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/relaymux/internal/crypto"
	"github.com/mrcgq/relaymux/internal/protocol"
	"github.com/mrcgq/relaymux/internal/session"
	"github.com/mrcgq/relaymux/internal/transport"
)

// 运行模式
const (
	ModeRelay  = "relay"
	ModeTunnel = "tunnel"
)

// 隧道角色
const (
	RoleListen  = "listen"
	RoleConnect = "connect"
)

// Config 主配置
type Config struct {
	Mode       string `yaml:"mode"`
	Identity   string `yaml:"identity"`
	PSK        string `yaml:"psk"`
	TimeWindow int    `yaml:"time_window"`

	Log       LogConfig       `yaml:"log"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console, json
	Output     string `yaml:"output"` // stdout, stderr, file
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SessionConfig 会话层配置，时间单位为毫秒
type SessionConfig struct {
	MTU                 int `yaml:"mtu"`
	WindowSize          int `yaml:"window_size"`
	Paths               int `yaml:"paths"`
	InitialPathWindow   int `yaml:"initial_path_window"`
	InitialRTOMs        int `yaml:"initial_rto_ms"`
	TickIntervalMs      int `yaml:"tick_interval_ms"`
	LivenessTimeoutMs   int `yaml:"liveness_timeout_ms"`
	KeepaliveIntervalMs int `yaml:"keepalive_interval_ms"`
	HandshakeIntervalMs int `yaml:"handshake_interval_ms"`
	ClosedLingerMs      int `yaml:"closed_linger_ms"`
}

// TransportConfig 隧道节点连接中继的配置
type TransportConfig struct {
	RelayURL           string `yaml:"relay_url"`
	MaxPaths           int    `yaml:"max_paths"`
	Fingerprint        string `yaml:"fingerprint"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	DialTimeoutMs      int    `yaml:"dial_timeout_ms"`
	ReconnectMinMs     int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs     int    `yaml:"reconnect_max_ms"`
}

// RelayConfig 中继节点配置
type RelayConfig struct {
	Listen         string `yaml:"listen"`
	Path           string `yaml:"path"`
	Host           string `yaml:"host"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`

	TLS        bool   `yaml:"tls"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"` // 启动时生成自签名证书，客户端需跳过校验

	// ACME 自动证书 (与 cert_file/key_file 二选一)
	ACME         bool     `yaml:"acme"`
	ACMEDomains  []string `yaml:"acme_domains"`
	ACMEEmail    string   `yaml:"acme_email"`
	ACMECacheDir string   `yaml:"acme_cache_dir"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// TunnelConfig 端口转发隧道配置
type TunnelConfig struct {
	Role string `yaml:"role"` // listen, connect

	// listen 端
	Listen string `yaml:"listen"` // 本地 TCP 监听地址
	Remote string `yaml:"remote"` // 对端身份
	SOCKS5 bool   `yaml:"socks5"` // 作为 SOCKS5 入口，目标随流发送
	Paths  int    `yaml:"paths"`  // 每个会话的路径数，0 = session.paths

	// connect 端
	Target         string   `yaml:"target"`          // 固定目标，留空则读取流开头的目标头
	AllowedRemotes []string `yaml:"allowed_remotes"` // 允许的对端身份，留空允许全部
	DialTimeoutMs  int      `yaml:"dial_timeout_ms"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeTunnel,
		TimeWindow: 30,

		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},

		Session: SessionConfig{
			MTU:                 session.MaxMTU,
			WindowSize:          session.MaxWindowSize,
			Paths:               session.DefaultPaths,
			InitialPathWindow:   16,
			InitialRTOMs:        5000,
			TickIntervalMs:      5,
			LivenessTimeoutMs:   60000,
			KeepaliveIntervalMs: 10000,
			HandshakeIntervalMs: 1000,
			ClosedLingerMs:      30000,
		},

		Transport: TransportConfig{
			MaxPaths:       session.DefaultPaths,
			Fingerprint:    "chrome",
			DialTimeoutMs:  10000,
			ReconnectMinMs: 500,
			ReconnectMaxMs: 30000,
		},

		Relay: RelayConfig{
			Listen:         ":8443",
			Path:           "/ws",
			IdleTimeoutSec: 600,
			ACMECacheDir:   "certs",
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Tunnel: TunnelConfig{
			Role:          RoleConnect,
			DialTimeoutMs: 10000,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRelay, ModeTunnel:
	default:
		return fmt.Errorf("无效的运行模式: %s (支持: relay, tunnel)", c.Mode)
	}

	// PSK 可选；设置时必须是 32 字节的 base64
	if c.PSK != "" {
		psk, err := base64.StdEncoding.DecodeString(c.PSK)
		if err != nil {
			return fmt.Errorf("psk 不是有效的 base64: %w", err)
		}
		if len(psk) != crypto.PSKSize {
			return fmt.Errorf("psk 长度必须是 %d 字节", crypto.PSKSize)
		}
	}

	if c.TimeWindow < 1 || c.TimeWindow > 300 {
		return fmt.Errorf("time_window 需在 1-300 之间")
	}

	if err := c.validateLogConfig(); err != nil {
		return fmt.Errorf("日志配置错误: %w", err)
	}

	// 端口冲突检测
	ports := map[int]string{}

	if c.Mode == ModeRelay {
		relayPort, err := parsePort(c.Relay.Listen)
		if err != nil {
			return fmt.Errorf("relay.listen 端口格式错误: %w", err)
		}
		ports[relayPort] = "relay.listen"

		if err := c.validateRelayConfig(); err != nil {
			return fmt.Errorf("中继配置错误: %w", err)
		}
	}

	if c.Mode == ModeTunnel {
		if err := c.validateSessionConfig(); err != nil {
			return fmt.Errorf("会话配置错误: %w", err)
		}
		if err := c.validateTransportConfig(); err != nil {
			return fmt.Errorf("传输配置错误: %w", err)
		}
		if err := c.validateTunnelConfig(); err != nil {
			return fmt.Errorf("隧道配置错误: %w", err)
		}

		if c.Tunnel.Role == RoleListen {
			tunnelPort, err := parsePort(c.Tunnel.Listen)
			if err != nil {
				return fmt.Errorf("tunnel.listen 端口格式错误: %w", err)
			}
			ports[tunnelPort] = "tunnel.listen"
		}
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[metricsPort]; exists {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", metricsPort, existing)
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 不能相同")
		}
	}

	return nil
}

// validateLogConfig 验证日志配置
func (c *Config) validateLogConfig() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("无效的日志级别: %s", c.Log.Level)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("无效的日志格式: %s (支持: console, json)", c.Log.Format)
	}

	switch c.Log.Output {
	case "stdout", "stderr":
	case "file":
		if c.Log.File == "" {
			return fmt.Errorf("输出到文件时 log.file 不能为空")
		}
		if c.Log.MaxSizeMB < 1 {
			return fmt.Errorf("log.max_size_mb 至少为 1")
		}
	default:
		return fmt.Errorf("无效的日志输出: %s (支持: stdout, stderr, file)", c.Log.Output)
	}
	return nil
}

// validateSessionConfig 验证会话参数范围
func (c *Config) validateSessionConfig() error {
	s := &c.Session
	if s.MTU < 64 || s.MTU > session.MaxMTU {
		return fmt.Errorf("session.mtu 需在 64-%d 之间", session.MaxMTU)
	}
	if s.WindowSize < s.MTU || s.WindowSize > session.MaxWindowSize {
		return fmt.Errorf("session.window_size 需在 mtu-%d 之间", session.MaxWindowSize)
	}
	if s.Paths < 1 || s.Paths > session.MaxPaths {
		return fmt.Errorf("session.paths 需在 1-%d 之间", session.MaxPaths)
	}
	if s.InitialPathWindow < 1 || s.InitialPathWindow > 1024 {
		return fmt.Errorf("session.initial_path_window 需在 1-1024 之间")
	}
	if s.InitialRTOMs < 50 || s.InitialRTOMs > 60000 {
		return fmt.Errorf("session.initial_rto_ms 需在 50-60000 之间")
	}
	if s.TickIntervalMs < 1 || s.TickIntervalMs > 1000 {
		return fmt.Errorf("session.tick_interval_ms 需在 1-1000 之间")
	}
	if s.HandshakeIntervalMs < s.TickIntervalMs {
		return fmt.Errorf("session.handshake_interval_ms 不能小于 tick_interval_ms")
	}
	if s.KeepaliveIntervalMs < 1 {
		return fmt.Errorf("session.keepalive_interval_ms 必须为正数")
	}
	if s.LivenessTimeoutMs < 2*s.KeepaliveIntervalMs {
		return fmt.Errorf("session.liveness_timeout_ms (%d) 至少为 keepalive_interval_ms 的两倍",
			s.LivenessTimeoutMs)
	}
	if s.ClosedLingerMs < 0 {
		return fmt.Errorf("session.closed_linger_ms 不能为负数")
	}
	return nil
}

// validateTransportConfig 验证中继连接配置
func (c *Config) validateTransportConfig() error {
	if c.Identity == "" {
		return fmt.Errorf("identity 不能为空")
	}
	if prefix, _ := protocol.StripPathPrefix(c.Identity); prefix != "" {
		return fmt.Errorf("identity 不能以路径前缀开头: %s", c.Identity)
	}

	if c.Transport.RelayURL == "" {
		return fmt.Errorf("transport.relay_url 不能为空")
	}
	u, err := url.Parse(c.Transport.RelayURL)
	if err != nil {
		return fmt.Errorf("transport.relay_url 格式错误: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("transport.relay_url 只支持 ws/wss: %s", u.Scheme)
	}

	if c.Transport.MaxPaths < 1 || c.Transport.MaxPaths > session.MaxPaths {
		return fmt.Errorf("transport.max_paths 需在 1-%d 之间", session.MaxPaths)
	}
	if c.Session.Paths > c.Transport.MaxPaths {
		return fmt.Errorf("session.paths (%d) 不能超过 transport.max_paths (%d)",
			c.Session.Paths, c.Transport.MaxPaths)
	}

	switch c.Transport.Fingerprint {
	case "", "chrome", "firefox", "safari", "ios", "edge", "random", "golang":
	default:
		return fmt.Errorf("未知的 TLS 指纹: %s", c.Transport.Fingerprint)
	}

	if c.Transport.ReconnectMinMs < 10 {
		return fmt.Errorf("transport.reconnect_min_ms 至少为 10")
	}
	if c.Transport.ReconnectMaxMs < c.Transport.ReconnectMinMs {
		return fmt.Errorf("transport.reconnect_max_ms 不能小于 reconnect_min_ms")
	}
	return nil
}

// validateRelayConfig 验证中继 TLS 配置
func (c *Config) validateRelayConfig() error {
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("relay.path 必须以 / 开头: %s", c.Relay.Path)
	}
	if c.Relay.IdleTimeoutSec < 0 {
		return fmt.Errorf("relay.idle_timeout_sec 不能为负数")
	}

	enabled := 0
	for _, on := range []bool{c.Relay.TLS, c.Relay.ACME, c.Relay.SelfSigned} {
		if on {
			enabled++
		}
	}
	if enabled > 1 {
		return fmt.Errorf("relay.tls、relay.acme 与 relay.self_signed 只能启用一个")
	}

	if c.Relay.TLS {
		if c.Relay.CertFile == "" || c.Relay.KeyFile == "" {
			return fmt.Errorf("启用 TLS 时 cert_file 和 key_file 不能为空")
		}
	}

	if c.Relay.ACME {
		if len(c.Relay.ACMEDomains) == 0 {
			return fmt.Errorf("启用 ACME 时 acme_domains 不能为空")
		}
		for _, domain := range c.Relay.ACMEDomains {
			if strings.Contains(domain, "*") {
				return fmt.Errorf("ACME HTTP 验证不支持通配符域名: %s", domain)
			}
			if net.ParseIP(domain) != nil {
				return fmt.Errorf("ACME 不支持 IP 地址: %s", domain)
			}
		}
		if c.Relay.ACMEEmail != "" && !strings.Contains(c.Relay.ACMEEmail, "@") {
			return fmt.Errorf("无效的 acme_email: %s", c.Relay.ACMEEmail)
		}
	}
	return nil
}

// validateTunnelConfig 验证隧道角色配置
func (c *Config) validateTunnelConfig() error {
	switch c.Tunnel.Role {
	case RoleListen:
		if c.Tunnel.Listen == "" {
			return fmt.Errorf("listen 角色需要 tunnel.listen")
		}
		if c.Tunnel.Remote == "" {
			return fmt.Errorf("listen 角色需要 tunnel.remote")
		}
		if c.Tunnel.Remote == c.Identity {
			return fmt.Errorf("tunnel.remote 不能是本端身份")
		}
		if c.Tunnel.Paths < 0 || c.Tunnel.Paths > c.Transport.MaxPaths {
			return fmt.Errorf("tunnel.paths 需在 0-%d 之间", c.Transport.MaxPaths)
		}
	case RoleConnect:
		if c.Tunnel.Target != "" {
			if _, err := parsePort(c.Tunnel.Target); err != nil {
				return fmt.Errorf("tunnel.target 格式错误: %w", err)
			}
		}
	default:
		return fmt.Errorf("无效的隧道角色: %s (支持: listen, connect)", c.Tunnel.Role)
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.Log.Level = strings.ToLower(c.Log.Level)

	// 未指定时路径数跟随会话默认值
	if c.Tunnel.Paths == 0 {
		c.Tunnel.Paths = c.Session.Paths
	}

	// wss 未指定 SNI 时使用 URL 中的主机名
	if c.Transport.ServerName == "" {
		if u, err := url.Parse(c.Transport.RelayURL); err == nil && u.Scheme == "wss" {
			c.Transport.ServerName = u.Hostname()
		}
	}

	// ACME 场景下 Host 校验默认取第一个域名
	if c.Relay.ACME && c.Relay.Host == "" && len(c.Relay.ACMEDomains) > 0 {
		c.Relay.Host = c.Relay.ACMEDomains[0]
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ToSessionConfig 转换为会话处理器配置
func (c *SessionConfig) ToSessionConfig() *session.Config {
	return &session.Config{
		MTU:               c.MTU,
		WindowSize:        c.WindowSize,
		Paths:             c.Paths,
		InitialPathWindow: c.InitialPathWindow,
		InitialRTO:        millis(c.InitialRTOMs),
		TickInterval:      millis(c.TickIntervalMs),
		LivenessTimeout:   millis(c.LivenessTimeoutMs),
		KeepaliveInterval: millis(c.KeepaliveIntervalMs),
		HandshakeInterval: millis(c.HandshakeIntervalMs),
		ClosedLinger:      millis(c.ClosedLingerMs),
	}
}

// ToMultiClientConfig 转换为多路径客户端配置
// 设置了 PSK 时同时创建端到端封装器
func (c *Config) ToMultiClientConfig() (transport.MultiClientConfig, error) {
	cfg := transport.MultiClientConfig{
		RelayURL:           c.Transport.RelayURL,
		Identity:           c.Identity,
		MaxPaths:           c.Transport.MaxPaths,
		Fingerprint:        transport.ParseFingerprint(c.Transport.Fingerprint),
		ServerName:         c.Transport.ServerName,
		InsecureSkipVerify: c.Transport.InsecureSkipVerify,
		DialTimeout:        millis(c.Transport.DialTimeoutMs),
		ReconnectMin:       millis(c.Transport.ReconnectMinMs),
		ReconnectMax:       millis(c.Transport.ReconnectMaxMs),
	}
	if c.PSK != "" {
		cry, err := crypto.New(c.PSK, c.TimeWindow)
		if err != nil {
			return cfg, fmt.Errorf("初始化封装器失败: %w", err)
		}
		cfg.Crypto = cry
	}
	return cfg, nil
}

// ToRelayConfig 转换为中继服务配置
func (c *RelayConfig) ToRelayConfig() transport.RelayConfig {
	cfg := transport.RelayConfig{
		Listen:      c.Listen,
		Path:        c.Path,
		Host:        c.Host,
		IdleTimeout: time.Duration(c.IdleTimeoutSec) * time.Second,
	}
	if c.TLS {
		cfg.CertFile = c.CertFile
		cfg.KeyFile = c.KeyFile
	}
	cfg.SelfSigned = c.SelfSigned
	if c.ACME {
		cfg.AutocertDomains = append([]string(nil), c.ACMEDomains...)
		cfg.AutocertCacheDir = c.ACMECacheDir
		cfg.AutocertEmail = c.ACMEEmail
	}
	return cfg
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# relaymux 配置文件示例
# =============================================================================

# 基础配置
mode: "tunnel"                      # 运行模式: relay (中继节点), tunnel (隧道节点)
identity: "alice"                   # 本端身份 (tunnel 模式必填，不能以 __N__. 开头)
psk: ""                             # 可选的预共享密钥，两端一致 (使用 --gen-psk 生成)
time_window: 30                     # 封装时间窗口 (秒)

# 日志
log:
  level: "info"                     # debug, info, warn, error
  format: "console"                 # console, json
  output: "stderr"                  # stdout, stderr, file
  file: ""                          # output 为 file 时的日志路径
  max_size_mb: 100                  # 单个日志文件大小上限
  max_backups: 3
  max_age_days: 7
  compress: true

# 会话层
session:
  mtu: 1024                         # 单块最大字节数 (上限 1024)
  window_size: 4194304              # 字节窗口 (上限 4 MiB)
  paths: 4                          # 拨号默认路径数
  initial_path_window: 16           # 每条路径的初始槽位
  initial_rto_ms: 5000              # 初始重传超时
  tick_interval_ms: 5               # 调度间隔
  liveness_timeout_ms: 60000        # 超过该时间未收到数据则会话中断
  keepalive_interval_ms: 10000      # 空闲保活间隔
  handshake_interval_ms: 1000       # 握手重发间隔
  closed_linger_ms: 30000           # 已关闭会话保留时间

# 连接中继 (tunnel 模式)
transport:
  relay_url: "wss://relay.example.com/ws"
  max_paths: 4                      # 最多打开的路径数
  fingerprint: "chrome"             # wss 的 TLS 指纹: chrome, firefox, safari, ios, edge, random, golang
  server_name: ""                   # 留空使用 relay_url 的主机名
  insecure_skip_verify: false
  dial_timeout_ms: 10000
  reconnect_min_ms: 500
  reconnect_max_ms: 30000

# 中继节点 (relay 模式)
relay:
  listen: ":8443"
  path: "/ws"
  host: ""                          # 非空时校验 Host 头
  idle_timeout_sec: 600             # 空闲连接回收时间
  tls: false                        # 使用静态证书
  cert_file: ""
  key_file: ""
  self_signed: false                # 生成自签名证书 (客户端需 insecure_skip_verify)
  acme: false                       # 使用 ACME 自动证书 (需要 443 可达)
  acme_domains: []
  acme_email: ""
  acme_cache_dir: "certs"

# 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# 端口转发隧道 (tunnel 模式)
tunnel:
  role: "connect"                   # listen: 本地监听并拨号对端; connect: 接受会话并连接目标
  listen: "127.0.0.1:1080"          # listen 角色的本地地址
  remote: "bob"                     # listen 角色的对端身份
  socks5: false                     # listen 角色作为 SOCKS5 入口
  paths: 0                          # 每个会话的路径数，0 = session.paths
  target: "127.0.0.1:22"            # connect 角色的固定目标，留空则由 SOCKS5 入口指定
  allowed_remotes: []               # connect 角色允许的对端身份，留空允许全部
  dial_timeout_ms: 10000

# =============================================================================
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
