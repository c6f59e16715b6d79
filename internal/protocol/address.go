// =============================================================================
// 文件: internal/protocol/address.go
// 描述: 路径前缀寻址 - "__i__.identity" 格式的拼接与剥离
// =============================================================================
package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// MainPrefix 主身份前缀 (空前缀，直接使用身份)
const MainPrefix = ""

var pathPrefixPattern = regexp.MustCompile(`^__\d+__$`)

// PathPrefix 返回第 i 条路径的前缀
func PathPrefix(i int) string {
	return "__" + strconv.Itoa(i) + "__"
}

// PathAddr 返回第 i 条路径的完整地址
func PathAddr(i int, identity string) string {
	return JoinAddr(PathPrefix(i), identity)
}

// JoinAddr 拼接前缀与身份，空前缀时不带 "."
func JoinAddr(prefix, identity string) string {
	return strings.TrimPrefix(prefix+"."+identity, ".")
}

// StripPathPrefix 从来源地址中剥离路径前缀，返回 (前缀, 身份)
// 只有形如 __数字__ 的前缀会被剥离
func StripPathPrefix(raw string) (string, string) {
	idx := strings.Index(raw, ".")
	if idx < 0 {
		return "", raw
	}
	prefix := raw[:idx]
	if pathPrefixPattern.MatchString(prefix) {
		return prefix, raw[idx+1:]
	}
	return "", raw
}

// IsPathPrefix 判断是否为路径前缀
func IsPathPrefix(prefix string) bool {
	return pathPrefixPattern.MatchString(prefix)
}

// DialPrefixes 拨号默认前缀: 主身份 + __0__ ... __{n-1}__
func DialPrefixes(n int) []string {
	prefixes := make([]string, 0, n+1)
	prefixes = append(prefixes, MainPrefix)
	for i := 0; i < n; i++ {
		prefixes = append(prefixes, PathPrefix(i))
	}
	return prefixes
}

// OwnPrefixes 本端在握手中声明的前缀: __0__ ... __{n-1}__
func OwnPrefixes(n int) []string {
	prefixes := make([]string, n)
	for i := 0; i < n; i++ {
		prefixes[i] = PathPrefix(i)
	}
	return prefixes
}
