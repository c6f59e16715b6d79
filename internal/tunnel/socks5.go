// =============================================================================
// 文件: internal/tunnel/socks5.go
// 描述: SOCKS5 入口 (RFC 1928)，仅支持无认证 CONNECT
// =============================================================================
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	Version5 = 0x05

	AuthNone     = 0x00
	AuthNoAccept = 0xFF

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionNotAllowed = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepCommandNotSupported  = 0x07
	RepAddressNotSupported  = 0x08
)

// socksHandshake 完成协商和请求阶段，返回目标地址
// 失败时已向客户端回复
func socksHandshake(conn net.Conn) (string, uint16, error) {
	if err := socksNegotiate(conn); err != nil {
		return "", 0, err
	}
	host, port, rep, err := socksRequest(conn)
	if err != nil {
		if rep != RepSuccess {
			socksReply(conn, rep)
		}
		return "", 0, err
	}
	return host, port, nil
}

func socksNegotiate(conn net.Conn) error {
	buf := make([]byte, 255)

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return err
	}
	if buf[0] != Version5 {
		return fmt.Errorf("不支持的 SOCKS 版本: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return errors.New("未提供认证方法")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return err
	}

	for _, m := range buf[:nMethods] {
		if m == AuthNone {
			_, err := conn.Write([]byte{Version5, AuthNone})
			return err
		}
	}
	conn.Write([]byte{Version5, AuthNoAccept})
	return errors.New("没有可接受的认证方法")
}

// socksRequest 读取请求，出错时返回应回复的状态
func socksRequest(conn net.Conn) (string, uint16, byte, error) {
	buf := make([]byte, 255)

	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return "", 0, RepSuccess, err
	}
	if buf[0] != Version5 {
		return "", 0, RepGeneralFailure, fmt.Errorf("请求版本错误: %d", buf[0])
	}
	if buf[1] != CmdConnect {
		return "", 0, RepCommandNotSupported, fmt.Errorf("不支持的命令: %d", buf[1])
	}

	var host string
	switch buf[3] {
	case AtypIPv4:
		if _, err := io.ReadFull(conn, buf[:4]); err != nil {
			return "", 0, RepSuccess, err
		}
		host = net.IP(buf[:4]).String()
	case AtypDomain:
		if _, err := io.ReadFull(conn, buf[:1]); err != nil {
			return "", 0, RepSuccess, err
		}
		n := int(buf[0])
		if n == 0 {
			return "", 0, RepAddressNotSupported, errors.New("域名为空")
		}
		if _, err := io.ReadFull(conn, buf[:n]); err != nil {
			return "", 0, RepSuccess, err
		}
		host = string(buf[:n])
	case AtypIPv6:
		if _, err := io.ReadFull(conn, buf[:16]); err != nil {
			return "", 0, RepSuccess, err
		}
		host = net.IP(buf[:16]).String()
	default:
		return "", 0, RepAddressNotSupported, fmt.Errorf("不支持的地址类型: %d", buf[3])
	}

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return "", 0, RepSuccess, err
	}
	return host, binary.BigEndian.Uint16(buf[:2]), RepSuccess, nil
}

// socksReply 发送响应，绑定地址固定为 0.0.0.0:0
func socksReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{Version5, rep, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
