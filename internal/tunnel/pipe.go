// =============================================================================
// 文件: internal/tunnel/pipe.go
// 描述: TCP 连接与会话之间的双向转发
// =============================================================================
package tunnel

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/relaymux/internal/session"
)

const pipeBufferSize = 32 * 1024

// pipe 双向转发直到任一方向结束
// 会话不支持半关闭，本地读到 EOF 即关闭整个会话
func (t *Tunnel) pipe(conn net.Conn, s *session.Session) {
	var g errgroup.Group

	g.Go(func() error {
		defer s.Close()
		buf := make([]byte, pipeBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := s.Write(buf[:n]); werr != nil {
					return werr
				}
				if werr := s.Flush(); werr != nil {
					return werr
				}
				atomic.AddUint64(&t.bytesOut, uint64(n))
				t.recorder.RecordTunnelBytes("outbound", int64(n))
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		defer conn.Close()
		n, err := io.Copy(conn, s)
		atomic.AddUint64(&t.bytesIn, uint64(n))
		t.recorder.RecordTunnelBytes("inbound", n)
		return err
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, session.ErrSessionBroken) {
			t.log(1, "会话 %x 中断: %v", s.ID(), err)
		} else {
			t.log(2, "转发结束 (%s): %v", conn.RemoteAddr(), err)
		}
	}
}
