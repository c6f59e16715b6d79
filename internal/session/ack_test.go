package session

import (
	"reflect"
	"testing"
)

func TestAckListMerge(t *testing.T) {
	tests := []struct {
		name   string
		seqs   []uint32
		starts []uint32
		counts []uint32
	}{
		{"顺序追加", []uint32{5, 6, 7}, []uint32{5}, []uint32{3}},
		{"向下扩展", []uint32{7, 6, 5}, []uint32{5}, []uint32{3}},
		{"中间合并两段", []uint32{5, 7, 6}, []uint32{5}, []uint32{3}},
		{"重复无效果", []uint32{5, 6, 5, 6}, []uint32{5}, []uint32{2}},
		{"不相邻", []uint32{1, 3, 5}, []uint32{1, 3, 5}, []uint32{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l ackList
			for _, seq := range tt.seqs {
				l.insert(0, seq)
			}
			starts, counts := l.take(0, MaxAcksPerPacket)
			if !reflect.DeepEqual(starts, tt.starts) || !reflect.DeepEqual(counts, tt.counts) {
				t.Errorf("got starts=%v counts=%v, want %v %v", starts, counts, tt.starts, tt.counts)
			}
			if l.len() != 0 {
				t.Errorf("取出后剩余 %d 个区间", l.len())
			}
		})
	}
}

func TestAckListPerPath(t *testing.T) {
	var l ackList
	l.insert(0, 1)
	l.insert(1, 2)
	l.insert(0, 2)

	if !l.pending(0) || !l.pending(1) || l.pending(2) {
		t.Fatal("pending 结果错误")
	}

	starts, counts := l.take(1, MaxAcksPerPacket)
	if len(starts) != 1 || starts[0] != 2 || counts[0] != 1 {
		t.Errorf("路径 1: starts=%v counts=%v", starts, counts)
	}
	starts, counts = l.take(0, MaxAcksPerPacket)
	if len(starts) != 1 || starts[0] != 1 || counts[0] != 2 {
		t.Errorf("路径 0: starts=%v counts=%v", starts, counts)
	}
}

func TestAckListTakeLimit(t *testing.T) {
	var l ackList
	for seq := uint32(1); seq <= 2*MaxAcksPerPacket*2; seq += 2 {
		l.insert(0, seq)
	}
	total := l.len()

	starts, _ := l.take(0, MaxAcksPerPacket)
	if len(starts) != MaxAcksPerPacket {
		t.Errorf("取出 %d 个区间, want %d", len(starts), MaxAcksPerPacket)
	}
	if l.len() != total-MaxAcksPerPacket {
		t.Errorf("剩余 %d 个区间, want %d", l.len(), total-MaxAcksPerPacket)
	}
	// 先插入的先发送
	if starts[0] != 1 {
		t.Errorf("第一个区间起点 = %d, want 1", starts[0])
	}
}
