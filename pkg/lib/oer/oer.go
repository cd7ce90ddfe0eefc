// Package oer 提供 ILP 使用的 OER（Octet Encoding Rules）编解码原语
//
// OER 是 ASN.1 的一种八位组编码规则，ILP 报文与 STREAM 帧均基于其中
// 两个原语构建：
//   - 变长八位组串（var-octet-string）：长度前缀 + 内容。长度 < 128 时
//     单字节内联；否则首字节为 0x80|n，后跟 n 字节大端长度。
//   - 变长无符号整数（var-uint）：内容为 1..8 字节最小大端表示的
//     var-octet-string。
//
// 所有解码路径都做边界检查：对任意输入只返回错误，绝不 panic。
package oer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	highBit        = 0x80
	lowerSevenBits = 0x7f
)

// 解码错误
var (
	// ErrUnexpectedEOF 缓冲区在字段中途被截断
	ErrUnexpectedEOF = errors.New("oer: unexpected end of buffer")

	// ErrLengthMismatch 长度前缀声明的字节数超过剩余缓冲区
	ErrLengthMismatch = errors.New("oer: length prefix exceeds remaining buffer")

	// ErrLengthPrefix 非法长度前缀（不定长、前缀过长或非最小编码）
	ErrLengthPrefix = errors.New("oer: invalid length prefix")

	// ErrIntegerOverflow 变长整数超过 8 字节
	ErrIntegerOverflow = errors.New("oer: variable-length integer overflows uint64")
)

// ============================================================================
//                              Reader
// ============================================================================

// Reader 在字节切片上顺序解码 OER 字段
//
// Reader 不复制输入；ReadVarOctetString 返回的切片与输入共享底层数组，
// 调用方需要持有时必须自行复制。
type Reader struct {
	buf []byte
	off int
}

// NewReader 创建 Reader
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len 返回未读字节数
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Done 判断缓冲区是否已读尽
func (r *Reader) Done() bool {
	return r.Len() == 0
}

// ReadByte 读取单个字节
func (r *Reader) ReadByte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrUnexpectedEOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// ReadBytes 读取 n 个字节
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadUint64 读取 8 字节大端 uint64
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readVarLength 读取变长长度前缀
func (r *Reader) readVarLength() (int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if first&highBit == 0 {
		return int(first), nil
	}
	lenOfLen := int(first & lowerSevenBits)
	if lenOfLen == 0 {
		return 0, fmt.Errorf("%w: indefinite length not allowed", ErrLengthPrefix)
	}
	if lenOfLen > 8 {
		return 0, fmt.Errorf("%w: length-of-length %d", ErrLengthPrefix, lenOfLen)
	}
	b, err := r.ReadBytes(lenOfLen)
	if err != nil {
		return 0, err
	}
	// 拒绝前导零字节，保证同一长度只有一种编码
	if lenOfLen > 1 && b[0] == 0 {
		return 0, fmt.Errorf("%w: non-minimal multibyte length", ErrLengthPrefix)
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	if lenOfLen == 1 && v < 128 {
		return 0, fmt.Errorf("%w: non-minimal multibyte length", ErrLengthPrefix)
	}
	if v > uint64(1<<31-1) {
		return 0, fmt.Errorf("%w: length %d too large", ErrLengthPrefix, v)
	}
	return int(v), nil
}

// ReadVarOctetString 读取变长八位组串
//
// 长度前缀声明的内容超出剩余缓冲区时返回 ErrLengthMismatch。
func (r *Reader) ReadVarOctetString() ([]byte, error) {
	length, err := r.readVarLength()
	if err != nil {
		return nil, err
	}
	if r.Len() < length {
		return nil, ErrLengthMismatch
	}
	b := r.buf[r.off : r.off+length]
	r.off += length
	return b, nil
}

// ReadVarUint 读取变长无符号整数
func (r *Reader) ReadVarUint() (uint64, error) {
	content, err := r.ReadVarOctetString()
	if err != nil {
		return 0, err
	}
	if len(content) == 0 {
		return 0, fmt.Errorf("%w: zero-length integer", ErrLengthPrefix)
	}
	if len(content) > 8 {
		return 0, ErrIntegerOverflow
	}
	var v uint64
	for _, c := range content {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// ============================================================================
//                              Writer
// ============================================================================

// Writer 顺序编码 OER 字段到内部缓冲区
type Writer struct {
	buf []byte
}

// NewWriter 创建 Writer
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes 返回已编码的字节
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len 返回已编码的字节数
func (w *Writer) Len() int {
	return len(w.buf)
}

// PutByte 写入单个字节
func (w *Writer) PutByte(b byte) {
	w.buf = append(w.buf, b)
}

// PutBytes 写入原始字节
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutUint64 写入 8 字节大端 uint64
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// putVarLength 写入变长长度前缀
func (w *Writer) putVarLength(length int) {
	if length < 128 {
		w.PutByte(byte(length))
		return
	}
	n := uintSize(uint64(length))
	w.PutByte(highBit | byte(n))
	w.putBigEndian(uint64(length), n)
}

// PutVarOctetString 写入变长八位组串
func (w *Writer) PutVarOctetString(b []byte) {
	w.putVarLength(len(b))
	w.buf = append(w.buf, b...)
}

// PutVarUint 写入变长无符号整数（最小大端编码）
func (w *Writer) PutVarUint(v uint64) {
	n := uintSize(v)
	w.putVarLength(n)
	w.putBigEndian(v, n)
}

// putBigEndian 写入 v 的低 n 字节（大端）
func (w *Writer) putBigEndian(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*i)))
	}
}

// uintSize 返回编码 v 所需的最小字节数（v=0 时为 1）
func uintSize(v uint64) int {
	n := 1
	for v > 0xff {
		v >>= 8
		n++
	}
	return n
}

// VarOctetStringSize 返回编码 length 字节的 var-octet-string 的总长度
func VarOctetStringSize(length int) int {
	if length < 128 {
		return 1 + length
	}
	return 1 + uintSize(uint64(length)) + length
}
