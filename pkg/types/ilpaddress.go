// Package types 提供 go-interledger 公共值类型
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
//                              Address - ILP 地址
// ============================================================================

// Address 最大长度（字节）
const MaxAddressLen = 1023

// ErrInvalidAddress 无效的 ILP 地址
var ErrInvalidAddress = errors.New("invalid ILP address")

// 允许的分配方案前缀（地址第一段）
//
// 参见 ILP RFC-0015 地址分配方案。
var allocationSchemes = map[string]struct{}{
	"g":       {},
	"private": {},
	"example": {},
	"peer":    {},
	"self":    {},
	"test":    {},
	"test1":   {},
	"test2":   {},
	"test3":   {},
	"local":   {},
}

// Address 是经过校验的 ILP 地址
//
// 不变式：
//   - 长度 1..=1023 字符
//   - 字符集 [a-zA-Z0-9._~-]
//   - 以 "." 分段，段不能为空
//   - 第一段必须是已知的分配方案
//
// 构造后不可变，只能通过 NewAddress / MustAddress 创建。
type Address string

// NewAddress 从字符串构造 Address
//
// 校验失败时返回包装了 ErrInvalidAddress 的错误。
func NewAddress(s string) (Address, error) {
	if err := validateAddress(s); err != nil {
		return "", err
	}
	return Address(s), nil
}

// MustAddress 从字符串构造 Address，失败时 panic
//
// 仅用于常量初始化或测试代码。
func MustAddress(s string) Address {
	a, err := NewAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// validateAddress 校验地址格式
func validateAddress(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(s) > MaxAddressLen {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidAddress, len(s), MaxAddressLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '~' || c == '-':
		default:
			return fmt.Errorf("%w: illegal character %q at %d", ErrInvalidAddress, c, i)
		}
	}
	segments := strings.Split(s, ".")
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: empty segment", ErrInvalidAddress)
		}
	}
	if _, ok := allocationSchemes[segments[0]]; !ok {
		return fmt.Errorf("%w: unknown allocation scheme %q", ErrInvalidAddress, segments[0])
	}
	return nil
}

// String 返回地址字符串
func (a Address) String() string {
	return string(a)
}

// Scheme 返回地址的分配方案（第一段）
func (a Address) Scheme() string {
	if i := strings.IndexByte(string(a), '.'); i >= 0 {
		return string(a)[:i]
	}
	return string(a)
}

// Segments 返回地址的全部段
func (a Address) Segments() []string {
	return strings.Split(string(a), ".")
}

// WithSuffix 在地址后追加一段
//
// 用于派生子地址，例如接收端为每个连接分配的目的账户。
func (a Address) WithSuffix(segment string) (Address, error) {
	return NewAddress(string(a) + "." + segment)
}

// HasPrefix 判断地址是否以 prefix 开头（按段对齐）
func (a Address) HasPrefix(prefix Address) bool {
	s, p := string(a), string(prefix)
	if !strings.HasPrefix(s, p) {
		return false
	}
	return len(s) == len(p) || s[len(p)] == '.'
}
