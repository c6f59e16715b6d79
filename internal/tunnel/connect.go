// =============================================================================
// 文件: internal/tunnel/connect.go
// 描述: connect 角色 - 接受入站会话并连接 TCP 目标
// =============================================================================
package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/mrcgq/relaymux/internal/protocol"
	"github.com/mrcgq/relaymux/internal/session"
)

// acceptSession 入站会话接受策略
func (t *Tunnel) acceptSession(s *session.Session) bool {
	if t.allowed != nil && !t.allowed[s.RemoteAddr()] {
		t.log(1, "拒绝来自 %s 的会话: 不在允许列表中", s.RemoteAddr())
		t.record("rejected")
		return false
	}
	return t.spawn(func() { t.serveSession(s) })
}

// serveSession 等待会话建立，连接目标后转发
func (t *Tunnel) serveSession(s *session.Session) {
	defer s.Close()
	defer t.trackSession(s)()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	if err := s.WaitEstablished(ctx); err != nil {
		t.log(2, "会话 %x 未建立: %v", s.ID(), err)
		t.record("failed")
		return
	}

	target := t.cfg.Target
	dynamic := target == ""
	if dynamic {
		var req *protocol.Request
		err := t.withDeadline(s, func() (err error) {
			req, err = protocol.ReadRequest(s)
			return err
		})
		if err == nil && req.Network != protocol.NetworkTCP {
			err = fmt.Errorf("不支持的网络类型: %s", req.NetworkString())
		}
		if err != nil {
			t.log(1, "来自 %s 的目标头无效: %v", s.RemoteAddr(), err)
			t.replyStatus(s, protocol.StatusBadRequest)
			t.record("failed")
			return
		}
		target = req.TargetAddr()
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		t.log(1, "连接目标 %s 失败: %v", target, err)
		if dynamic {
			t.replyStatus(s, protocol.StatusDialFailed)
		}
		t.record("failed")
		return
	}
	defer conn.Close()
	defer t.trackConn(conn)()

	if dynamic {
		if err := t.replyStatus(s, protocol.StatusOK); err != nil {
			t.record("failed")
			return
		}
	}

	t.log(2, "会话 %x (%s) 已接入 %s", s.ID(), s.RemoteAddr(), target)
	t.record("opened")
	t.pipe(conn, s)
	t.record("closed")
}

// replyStatus 回复目标状态字节
func (t *Tunnel) replyStatus(s *session.Session, status byte) error {
	if _, err := s.Write([]byte{status}); err != nil {
		return err
	}
	return s.Flush()
}
