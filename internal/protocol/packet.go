// =============================================================================
// 文件: internal/protocol/packet.go
// 描述: 会话层数据报 - protobuf 线格式编解码 (protowire 手工编码)
// =============================================================================
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// 字段编号 (与 packet.proto 保持一致)
const (
	fieldSequenceID  protowire.Number = 1
	fieldData        protowire.Number = 2
	fieldAckStartSeq protowire.Number = 3
	fieldAckSeqCount protowire.Number = 4
	fieldBytesRead   protowire.Number = 5
	fieldPrefixes    protowire.Number = 6
	fieldWindowSize  protowire.Number = 7
	fieldMTU         protowire.Number = 8
	fieldClose       protowire.Number = 9
	fieldHandshake   protowire.Number = 10
)

// 错误定义
var (
	ErrAckMismatch   = fmt.Errorf("ack_start_seq 与 ack_seq_count 长度不一致")
	ErrMalformed     = fmt.Errorf("数据报格式错误")
	ErrInvalidLength = fmt.Errorf("字段长度无效")
)

// SessionPacket 会话层数据报
type SessionPacket struct {
	SequenceID  uint32   // 0 = 控制包 (握手/纯确认), >0 = 数据块序号
	Data        []byte   // 数据块载荷
	AckStartSeq []uint32 // 每个确认区间的起始序号
	AckSeqCount []uint32 // 每个确认区间的长度
	BytesRead   uint64   // 接收方应用已读取字节数
	Prefixes    []string // 路径前缀列表
	WindowSize  uint32   // 握手提议的字节窗口
	MTU         uint32   // 握手提议的 MTU
	Close       bool
	Handshake   bool
}

// AckCount 返回确认区间数
func (p *SessionPacket) AckCount() int {
	return len(p.AckStartSeq)
}

// IsHandshake 判断是否为握手包
// 显式标志优先，其次兼容未设置标志的对端: 序号为 0、无确认、非关闭且带 MTU
func (p *SessionPacket) IsHandshake() bool {
	if p.Handshake {
		return true
	}
	return p.SequenceID == 0 && len(p.AckStartSeq) == 0 && !p.Close && p.MTU > 0
}

// Encode 编码数据报
func (p *SessionPacket) Encode() []byte {
	buf := make([]byte, 0, 32+len(p.Data)+len(p.AckStartSeq)*10)

	if p.SequenceID != 0 {
		buf = protowire.AppendTag(buf, fieldSequenceID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.SequenceID))
	}
	if len(p.Data) > 0 {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Data)
	}
	buf = appendPacked(buf, fieldAckStartSeq, p.AckStartSeq)
	buf = appendPacked(buf, fieldAckSeqCount, p.AckSeqCount)
	if p.BytesRead != 0 {
		buf = protowire.AppendTag(buf, fieldBytesRead, protowire.VarintType)
		buf = protowire.AppendVarint(buf, p.BytesRead)
	}
	for _, prefix := range p.Prefixes {
		buf = protowire.AppendTag(buf, fieldPrefixes, protowire.BytesType)
		buf = protowire.AppendString(buf, prefix)
	}
	if p.WindowSize != 0 {
		buf = protowire.AppendTag(buf, fieldWindowSize, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.WindowSize))
	}
	if p.MTU != 0 {
		buf = protowire.AppendTag(buf, fieldMTU, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.MTU))
	}
	if p.Close {
		buf = protowire.AppendTag(buf, fieldClose, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if p.Handshake {
		buf = protowire.AppendTag(buf, fieldHandshake, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}

	return buf
}

func appendPacked(buf []byte, num protowire.Number, values []uint32) []byte {
	if len(values) == 0 {
		return buf
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, packed)
}

// DecodeSessionPacket 解码数据报
// 重复字段同时接受 packed 与非 packed 两种编码，未知字段跳过
func DecodeSessionPacket(b []byte) (*SessionPacket, error) {
	p := &SessionPacket{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSequenceID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: sequence_id", ErrMalformed)
			}
			p.SequenceID = uint32(v)
			n = m

		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: data", ErrMalformed)
			}
			p.Data = append([]byte(nil), v...)
			n = m

		case (num == fieldAckStartSeq || num == fieldAckSeqCount) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: ack", ErrMalformed)
			}
			values, err := consumePacked(v)
			if err != nil {
				return nil, err
			}
			if num == fieldAckStartSeq {
				p.AckStartSeq = append(p.AckStartSeq, values...)
			} else {
				p.AckSeqCount = append(p.AckSeqCount, values...)
			}
			n = m

		case (num == fieldAckStartSeq || num == fieldAckSeqCount) && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: ack", ErrMalformed)
			}
			if num == fieldAckStartSeq {
				p.AckStartSeq = append(p.AckStartSeq, uint32(v))
			} else {
				p.AckSeqCount = append(p.AckSeqCount, uint32(v))
			}
			n = m

		case num == fieldBytesRead && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: bytes_read", ErrMalformed)
			}
			p.BytesRead = v
			n = m

		case num == fieldPrefixes && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: client_ids", ErrMalformed)
			}
			p.Prefixes = append(p.Prefixes, v)
			n = m

		case num == fieldWindowSize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: window_size", ErrMalformed)
			}
			p.WindowSize = uint32(v)
			n = m

		case num == fieldMTU && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: mtu", ErrMalformed)
			}
			p.MTU = uint32(v)
			n = m

		case (num == fieldClose || num == fieldHandshake) && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: flag", ErrMalformed)
			}
			if num == fieldClose {
				p.Close = protowire.DecodeBool(v)
			} else {
				p.Handshake = protowire.DecodeBool(v)
			}
			n = m

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: 字段 %d", ErrMalformed, num)
			}
		}
		b = b[n:]
	}

	if len(p.AckStartSeq) != len(p.AckSeqCount) {
		return nil, ErrAckMismatch
	}

	return p, nil
}

func consumePacked(b []byte) ([]uint32, error) {
	var values []uint32
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed", ErrInvalidLength)
		}
		values = append(values, uint32(v))
		b = b[n:]
	}
	return values, nil
}

// NewHandshakePacket 创建握手包
func NewHandshakePacket(prefixes []string, mtu, windowSize uint32) *SessionPacket {
	return &SessionPacket{
		Prefixes:   prefixes,
		MTU:        mtu,
		WindowSize: windowSize,
		Handshake:  true,
	}
}

// NewClosePacket 创建关闭包
func NewClosePacket() *SessionPacket {
	return &SessionPacket{Close: true}
}
