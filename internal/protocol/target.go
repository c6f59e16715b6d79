// =============================================================================
// 文件: internal/protocol/target.go
// 描述: 隧道目标头 - 动态目标模式下会话字节流开头携带的连接请求
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// 请求类型
const (
	TypeConnect = 0x01
)

// 地址类型 (与 SOCKS5 一致)
const (
	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04
)

// 网络类型
const (
	NetworkTCP = 0x01
	NetworkUDP = 0x02
)

// 响应状态
const (
	StatusOK         = 0x00
	StatusDialFailed = 0x01
	StatusNotAllowed = 0x02
	StatusBadRequest = 0x03
)

// Request 目标连接请求
type Request struct {
	Type    byte
	Network byte
	Address string
	Port    uint16
}

// NewConnectRequest 从 host:port 构建 TCP 连接请求
func NewConnectRequest(target string) (*Request, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("无效目标地址: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("无效端口: %s", portStr)
	}
	return &Request{
		Type:    TypeConnect,
		Network: NetworkTCP,
		Address: host,
		Port:    uint16(port),
	}, nil
}

// Encode 编码请求
// 格式: Type(1) + Network(1) + AddrType(1) + Addr + Port(2)
func (r *Request) Encode() ([]byte, error) {
	buf := []byte{r.Type, r.Network}

	ip := net.ParseIP(r.Address)
	switch {
	case ip != nil && ip.To4() != nil:
		buf = append(buf, AddrIPv4)
		buf = append(buf, ip.To4()...)
	case ip != nil:
		buf = append(buf, AddrIPv6)
		buf = append(buf, ip.To16()...)
	default:
		if len(r.Address) == 0 || len(r.Address) > 255 {
			return nil, fmt.Errorf("域名长度无效: %d", len(r.Address))
		}
		buf = append(buf, AddrDomain, byte(len(r.Address)))
		buf = append(buf, r.Address...)
	}

	buf = binary.BigEndian.AppendUint16(buf, r.Port)
	return buf, nil
}

// ReadRequest 从字节流读取请求
func ReadRequest(rd io.Reader) (*Request, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(rd, head); err != nil {
		return nil, fmt.Errorf("读取请求头失败: %w", err)
	}

	req := &Request{
		Type:    head[0],
		Network: head[1],
	}
	if req.Type != TypeConnect {
		return nil, fmt.Errorf("未知类型: %d", req.Type)
	}

	switch head[2] {
	case AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(rd, addr); err != nil {
			return nil, fmt.Errorf("IPv4 数据不足: %w", err)
		}
		req.Address = net.IP(addr).String()

	case AddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(rd, addr); err != nil {
			return nil, fmt.Errorf("IPv6 数据不足: %w", err)
		}
		req.Address = net.IP(addr).String()

	case AddrDomain:
		dlen := make([]byte, 1)
		if _, err := io.ReadFull(rd, dlen); err != nil {
			return nil, fmt.Errorf("域名长度缺失: %w", err)
		}
		domain := make([]byte, int(dlen[0]))
		if _, err := io.ReadFull(rd, domain); err != nil {
			return nil, fmt.Errorf("域名数据不足: %w", err)
		}
		req.Address = string(domain)

	default:
		return nil, fmt.Errorf("未知地址类型: %d", head[2])
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(rd, port); err != nil {
		return nil, fmt.Errorf("端口数据不足: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(port)

	return req, nil
}

// TargetAddr 返回目标地址
func (r *Request) TargetAddr() string {
	if r.Address == "" {
		return ""
	}
	return net.JoinHostPort(r.Address, strconv.Itoa(int(r.Port)))
}

// NetworkString 返回网络类型字符串
func (r *Request) NetworkString() string {
	switch r.Network {
	case NetworkTCP:
		return "tcp"
	case NetworkUDP:
		return "udp"
	default:
		return "unknown"
	}
}
