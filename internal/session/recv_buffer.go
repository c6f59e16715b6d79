// =============================================================================
// 文件: internal/session/recv_buffer.go
// 描述: 会话接收缓冲区 (乱序重组)
//       调用方持有会话锁
// =============================================================================
package session

// recvBuffer 接收缓冲区
type recvBuffer struct {
	window int

	ready       []byte            // 可读的按序数据
	parked      map[uint32][]byte // 序号 > lastInBuffer+1 的乱序块
	parkedBytes int

	lastInBuffer uint32 // 已移入 ready 的最高序号

	bytesRead   uint64 // 应用已读取字节数
	bytesQueued uint64 // 已移入 ready 的字节数
	duplicates  uint64
	dropped     uint64
}

func newRecvBuffer(window int) *recvBuffer {
	return &recvBuffer{
		window: window,
		parked: make(map[uint32][]byte),
	}
}

// buffered 已缓存未读字节 (ready + parked)
func (r *recvBuffer) buffered() int {
	return len(r.ready) + r.parkedBytes
}

// insert 接收一个数据块
// ack 为 false 表示超出窗口被丢弃，不应确认
// 重复块返回 ack=true 以便重发确认，但不会再次交付
func (r *recvBuffer) insert(seq uint32, data []byte) (ack bool, delivered bool) {
	if seq <= r.lastInBuffer {
		r.duplicates++
		return true, false
	}
	if _, ok := r.parked[seq]; ok {
		r.duplicates++
		return true, false
	}
	if r.buffered()+len(data) > r.window {
		r.dropped++
		return false, false
	}

	if seq != r.lastInBuffer+1 {
		r.parked[seq] = data
		r.parkedBytes += len(data)
		return true, false
	}

	r.push(seq, data)
	for {
		next, ok := r.parked[r.lastInBuffer+1]
		if !ok {
			break
		}
		delete(r.parked, r.lastInBuffer+1)
		r.parkedBytes -= len(next)
		r.push(r.lastInBuffer+1, next)
	}
	return true, true
}

func (r *recvBuffer) push(seq uint32, data []byte) {
	r.ready = append(r.ready, data...)
	r.lastInBuffer = seq
	r.bytesQueued += uint64(len(data))
}

// discard 丢弃可读数据 (本端已关闭，无人读取)
func (r *recvBuffer) discard() {
	r.bytesRead += uint64(len(r.ready))
	r.ready = nil
}

// read 读取按序数据
func (r *recvBuffer) read(p []byte) int {
	n := copy(p, r.ready)
	r.ready = r.ready[n:]
	if len(r.ready) == 0 {
		r.ready = nil
	}
	r.bytesRead += uint64(n)
	return n
}
