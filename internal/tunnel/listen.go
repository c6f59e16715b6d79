// =============================================================================
// 文件: internal/tunnel/listen.go
// 描述: listen 角色 - 本地 TCP 入口，每个连接拨出一个会话
// =============================================================================
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/mrcgq/relaymux/internal/protocol"
	"github.com/mrcgq/relaymux/internal/session"
)

func (t *Tunnel) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log(0, "接受连接失败: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		atomic.AddUint64(&t.accepted, 1)
		if !t.spawn(func() { t.handleLocal(conn) }) {
			conn.Close()
			return
		}
	}
}

// handleLocal 处理一个本地连接
func (t *Tunnel) handleLocal(conn net.Conn) {
	defer conn.Close()
	defer t.trackConn(conn)()

	req := t.fixed
	if t.cfg.SOCKS5 {
		conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
		host, port, err := socksHandshake(conn)
		if err != nil {
			t.log(2, "SOCKS5 握手失败 (%s): %v", conn.RemoteAddr(), err)
			t.record("failed")
			return
		}
		conn.SetDeadline(time.Time{})
		req = &protocol.Request{
			Type:    protocol.TypeConnect,
			Network: protocol.NetworkTCP,
			Address: host,
			Port:    port,
		}
	}

	s, err := t.dialSession()
	if err != nil {
		t.log(0, "连接 %s 失败: %v", t.cfg.Remote, err)
		if t.cfg.SOCKS5 {
			socksReply(conn, RepNetworkUnreachable)
		}
		t.record("failed")
		return
	}
	defer s.Close()
	defer t.trackSession(s)()

	if req != nil {
		status, err := t.requestTarget(s, req)
		if t.cfg.SOCKS5 {
			if werr := socksReply(conn, statusToReply(status, err)); werr != nil && err == nil {
				err = werr
			}
		}
		if err == nil && status != protocol.StatusOK {
			err = fmt.Errorf("对端拒绝目标 %s (状态 %d)", req.TargetAddr(), status)
		}
		if err != nil {
			t.log(1, "打开目标失败: %v", err)
			t.record("failed")
			return
		}
	}

	t.log(2, "%s 已接入会话 %x", conn.RemoteAddr(), s.ID())
	t.record("opened")
	t.pipe(conn, s)
	t.record("closed")
}

// dialSession 拨出会话并等待建立
func (t *Tunnel) dialSession() (*session.Session, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	s, err := t.handler.Dial(ctx, t.cfg.Remote, session.DialOptions{Paths: t.cfg.Paths})
	if err != nil {
		return nil, fmt.Errorf("拨号会话失败: %w", err)
	}
	if err := s.WaitEstablished(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("等待会话建立失败: %w", err)
	}
	return s, nil
}

// requestTarget 发送目标头并等待对端的状态字节
func (t *Tunnel) requestTarget(s *session.Session, req *protocol.Request) (byte, error) {
	head, err := req.Encode()
	if err != nil {
		return 0, err
	}
	if _, err := s.Write(head); err != nil {
		return 0, fmt.Errorf("发送目标头失败: %w", err)
	}
	if err := s.Flush(); err != nil {
		return 0, fmt.Errorf("发送目标头失败: %w", err)
	}

	status := make([]byte, 1)
	err = t.withDeadline(s, func() error {
		_, err := io.ReadFull(s, status)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("读取目标状态失败: %w", err)
	}
	return status[0], nil
}

// statusToReply 目标状态映射为 SOCKS5 回复
func statusToReply(status byte, err error) byte {
	if err != nil {
		return RepGeneralFailure
	}
	switch status {
	case protocol.StatusOK:
		return RepSuccess
	case protocol.StatusDialFailed:
		return RepHostUnreachable
	case protocol.StatusNotAllowed:
		return RepConnectionNotAllowed
	case protocol.StatusBadRequest:
		return RepAddressNotSupported
	default:
		return RepGeneralFailure
	}
}
