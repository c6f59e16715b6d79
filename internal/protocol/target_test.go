// =============================================================================
// 文件: internal/protocol/target_test.go
// 描述: 隧道目标头编解码测试
// =============================================================================
package protocol

import (
	"bytes"
	"testing"
)

func TestRequestEncodeRead(t *testing.T) {
	targets := []struct {
		name     string
		target   string
		addrType byte
	}{
		{"IPv4", "10.1.2.3:8080", AddrIPv4},
		{"IPv6", "[2001:db8::1]:443", AddrIPv6},
		{"域名", "example.com:22", AddrDomain},
	}

	for _, tc := range targets {
		t.Run(tc.name, func(t *testing.T) {
			req, err := NewConnectRequest(tc.target)
			if err != nil {
				t.Fatalf("构建请求失败: %v", err)
			}
			data, err := req.Encode()
			if err != nil {
				t.Fatalf("编码失败: %v", err)
			}
			if data[2] != tc.addrType {
				t.Errorf("地址类型 = %d, want %d", data[2], tc.addrType)
			}

			// 请求之后紧跟的数据不应被读走
			rd := bytes.NewReader(append(data, "payload"...))
			got, err := ReadRequest(rd)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if got.TargetAddr() != tc.target || got.NetworkString() != "tcp" {
				t.Errorf("目标 = %s (%s), want %s", got.TargetAddr(), got.NetworkString(), tc.target)
			}
			if rd.Len() != len("payload") {
				t.Errorf("剩余 %d 字节, want %d", rd.Len(), len("payload"))
			}
		})
	}
}

func TestRequestErrors(t *testing.T) {
	t.Run("无效目标", func(t *testing.T) {
		for _, target := range []string{"no-port", "host:70000", "host:http"} {
			if _, err := NewConnectRequest(target); err == nil {
				t.Errorf("%q 应构建失败", target)
			}
		}
	})

	t.Run("域名过长", func(t *testing.T) {
		req := &Request{Type: TypeConnect, Network: NetworkTCP, Address: string(bytes.Repeat([]byte("a"), 256))}
		if _, err := req.Encode(); err == nil {
			t.Error("超过 255 字节的域名应编码失败")
		}
	})

	t.Run("解码失败", func(t *testing.T) {
		cases := map[string][]byte{
			"空":    {},
			"未知类型": {0x09, NetworkTCP, AddrIPv4, 1, 2, 3, 4, 0, 80},
			"未知地址": {TypeConnect, NetworkTCP, 0x07},
			"截断地址": {TypeConnect, NetworkTCP, AddrIPv4, 1, 2},
			"截断端口": {TypeConnect, NetworkTCP, AddrDomain, 1, 'a', 0},
		}
		for name, data := range cases {
			if _, err := ReadRequest(bytes.NewReader(data)); err == nil {
				t.Errorf("%s: 应解码失败", name)
			}
		}
	})

	if (&Request{}).TargetAddr() != "" || (&Request{Network: 9}).NetworkString() != "unknown" {
		t.Error("空请求的字符串表示异常")
	}
}
