// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 中继信封载荷封装 - PSK 派生的 ChaCha20-Poly1305，按时间窗口轮换密钥
// =============================================================================

package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize       = 32
	KeyIDSize     = 4
	TimestampSize = 2
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = chacha20poly1305.Overhead
	HeaderSize    = KeyIDSize + TimestampSize
	Overhead      = HeaderSize + NonceSize + TagSize

	DefaultTimeWindow = 30 // 秒

	keyIDLabel = "relaymux-keyid-v1"
	keyLabel   = "relaymux-envelope-v1"
)

// 错误定义
var (
	ErrShortCiphertext = fmt.Errorf("密文太短")
	ErrKeyMismatch     = fmt.Errorf("密钥标识不匹配")
	ErrStaleTimestamp  = fmt.Errorf("时间戳超出允许范围")
	ErrReplay          = fmt.Errorf("检测到重放")
	ErrOpenFailed      = fmt.Errorf("解密失败")
)

// Crypto 载荷封装器
// 输出格式: KeyID(4) + Timestamp(2) + Nonce(12) + Ciphertext + Tag(16)
type Crypto struct {
	keyID      [KeyIDSize]byte
	timeWindow int64
	keys       *keyring
	recvGuard  *ReplayGuard
	now        func() time.Time
}

// New 创建封装器，pskBase64 为 32 字节 PSK 的 base64 编码
func New(pskBase64 string, timeWindow int) (*Crypto, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}
	if timeWindow <= 0 {
		timeWindow = DefaultTimeWindow
	}

	c := &Crypto{
		timeWindow: int64(timeWindow),
		keys:       &keyring{psk: psk, keys: make(map[int64]cipher.AEAD, keyringSize)},
		recvGuard:  NewReplayGuard(),
		now:        time.Now,
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, psk, nil, []byte(keyIDLabel)), c.keyID[:]); err != nil {
		return nil, fmt.Errorf("派生密钥标识失败: %w", err)
	}
	return c, nil
}

// KeyID 返回 PSK 派生的密钥标识
func (c *Crypto) KeyID() [KeyIDSize]byte {
	return c.keyID
}

// Seal 封装明文，aad 参与认证但不加密
func (c *Crypto) Seal(plaintext, aad []byte) ([]byte, error) {
	now := c.now()
	aead, err := c.keys.get(now.Unix() / c.timeWindow)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+NonceSize, Overhead+len(plaintext))
	copy(out, c.keyID[:])
	binary.BigEndian.PutUint16(out[KeyIDSize:], uint16(now.Unix()))
	nonce := out[HeaderSize:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成 Nonce 失败: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, additionalData(out[:HeaderSize], aad)), nil
}

// Open 解封并校验时间戳与重放
func (c *Crypto) Open(data, aad []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrShortCiphertext
	}

	var keyID [KeyIDSize]byte
	copy(keyID[:], data[:KeyIDSize])
	if keyID != c.keyID {
		return nil, ErrKeyMismatch
	}

	now := c.now()
	skew := timestampSkew(uint16(now.Unix()), binary.BigEndian.Uint16(data[KeyIDSize:HeaderSize]))
	if skew > 3*c.timeWindow {
		return nil, ErrStaleTimestamp
	}

	nonce := data[HeaderSize : HeaderSize+NonceSize]
	if c.recvGuard.Seen(nonce) {
		return nil, ErrReplay
	}

	ciphertext := data[HeaderSize+NonceSize:]
	ad := additionalData(data[:HeaderSize], aad)

	// 窗口切换时前后窗口都可能是发送方使用的密钥
	w := now.Unix() / c.timeWindow
	for _, window := range [...]int64{w, w - 1, w + 1} {
		aead, err := c.keys.get(window)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
		if err != nil {
			continue
		}
		if !c.recvGuard.CheckAndMark(nonce) {
			return nil, ErrReplay
		}
		return plaintext, nil
	}

	return nil, ErrOpenFailed
}

// Stats 接收方防重放统计
func (c *Crypto) Stats() ReplayStats {
	return c.recvGuard.Stats()
}

// Close 停止后台协程
func (c *Crypto) Close() {
	c.recvGuard.Close()
}

func additionalData(header, aad []byte) []byte {
	ad := make([]byte, 0, len(header)+len(aad))
	ad = append(ad, header...)
	return append(ad, aad...)
}

// timestampSkew 16 位秒级时间戳的绝对差，按回绕取最短距离
func timestampSkew(now, ts uint16) int64 {
	d := int64(int16(now - ts))
	if d < 0 {
		d = -d
	}
	return d
}

// keyring 按时间窗口缓存派生的 AEAD，最多保留 keyringSize 个窗口
type keyring struct {
	psk []byte

	mu   sync.Mutex
	keys map[int64]cipher.AEAD
}

const keyringSize = 4

func (k *keyring) get(window int64) (cipher.AEAD, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if aead, ok := k.keys[window]; ok {
		return aead, nil
	}

	salt := binary.BigEndian.AppendUint64(nil, uint64(window))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.psk, salt, []byte(keyLabel)), key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}

	// 淘汰离请求窗口最远的一个
	if len(k.keys) >= keyringSize {
		var far int64
		farDist := int64(-1)
		for w := range k.keys {
			dist := w - window
			if dist < 0 {
				dist = -dist
			}
			if dist > farDist {
				far, farDist = w, dist
			}
		}
		delete(k.keys, far)
	}
	k.keys[window] = aead
	return aead, nil
}

// GeneratePSK 生成新的 PSK (base64)
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}
