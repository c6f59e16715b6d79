// =============================================================================
// 文件: internal/protocol/envelope.go
// 描述: 中继信封 - 路径层消息的 CBOR 编解码 (确定性编码)
// =============================================================================
package protocol

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// 信封类型
const (
	EnvelopeSession  uint8 = 1 // 会话层数据报
	EnvelopeRegister uint8 = 2 // 路径注册确认
	EnvelopeError    uint8 = 3 // 中继错误通知
)

// Envelope 中继信封
// 中继只读取 Dest 进行转发，Payload 对中继不透明 (可能已加密)
type Envelope struct {
	Type      uint8  `cbor:"1,keyasint"`
	Src       string `cbor:"2,keyasint"`
	Dest      string `cbor:"3,keyasint"`
	SessionID []byte `cbor:"4,keyasint,omitempty"`
	Payload   []byte `cbor:"5,keyasint,omitempty"`
	Sealed    bool   `cbor:"6,keyasint,omitempty"`
}

var (
	envEncMode cbor.EncMode
	envDecMode cbor.DecMode
)

func init() {
	var err error
	envEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("初始化 CBOR 编码器失败: %v", err))
	}
	envDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("初始化 CBOR 解码器失败: %v", err))
	}
}

// MaxEnvelopeSize 单个信封最大字节数
const MaxEnvelopeSize = 1 << 20

// EncodeEnvelope 编码信封
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := envEncMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("编码信封失败: %w", err)
	}
	return data, nil
}

// DecodeEnvelope 解码信封
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("信封过大: %d", len(data))
	}
	env := &Envelope{}
	if err := envDecMode.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("解码信封失败: %w", err)
	}
	if env.Dest == "" && env.Type == EnvelopeSession {
		return nil, fmt.Errorf("信封缺少目的地址")
	}
	return env, nil
}
