// =============================================================================
// 文件: internal/session/ack.go
// 描述: 待发送确认 - 按接收路径聚合的连续序号区间
// =============================================================================
package session

// ackBundle 一段连续的已收序号 [start, start+count)，只能经由 path 回送
type ackBundle struct {
	path  int
	start uint32
	count uint32
}

func (b ackBundle) end() uint64 {
	return uint64(b.start) + uint64(b.count)
}

func (b ackBundle) covers(seq uint32) bool {
	return seq >= b.start && uint64(seq) < b.end()
}

// ackList 待发送确认列表
type ackList struct {
	bundles []ackBundle
}

// insert 记录在 path 上收到的 seq，与相邻区间合并
func (l *ackList) insert(path int, seq uint32) {
	up, down := -1, -1
	for i, b := range l.bundles {
		if b.path != path {
			continue
		}
		if b.covers(seq) {
			return
		}
		if b.end() == uint64(seq) {
			up = i
		}
		if uint64(b.start) == uint64(seq)+1 {
			down = i
		}
	}

	switch {
	case up >= 0 && down >= 0:
		l.bundles[up].count += 1 + l.bundles[down].count
		l.bundles = append(l.bundles[:down], l.bundles[down+1:]...)
	case up >= 0:
		l.bundles[up].count++
	case down >= 0:
		l.bundles[down].start--
		l.bundles[down].count++
	default:
		l.bundles = append(l.bundles, ackBundle{path: path, start: seq, count: 1})
	}
}

// pending path 上是否有待发送确认
func (l *ackList) pending(path int) bool {
	for _, b := range l.bundles {
		if b.path == path {
			return true
		}
	}
	return false
}

// take 取出 path 上最多 max 个区间
func (l *ackList) take(path, max int) (starts, counts []uint32) {
	kept := l.bundles[:0]
	for _, b := range l.bundles {
		if b.path == path && len(starts) < max {
			starts = append(starts, b.start)
			counts = append(counts, b.count)
			continue
		}
		kept = append(kept, b)
	}
	l.bundles = kept
	return starts, counts
}

func (l *ackList) len() int {
	return len(l.bundles)
}
