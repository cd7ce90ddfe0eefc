// Package packet 实现 ILPv4 报文的二进制编解码
//
// ILPv4 定义三种报文：Prepare（12）、Fulfill（13）、Reject（14）。
// 线上格式为：类型字节 + OER 变长八位组串包裹的内容块。
//
// 解码是严格的：未知类型、截断、长度不符、定长字段长度错误、
// 非法错误码都会返回确定的错误，对任意敌对输入绝不 panic。
// 编码对合法构造的报文值永不失败，且满足 Decode(Encode(p)) == p。
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/go-interledger/pkg/lib/oer"
	"github.com/dep2p/go-interledger/pkg/types"
)

// Type ILP 报文类型字节
type Type uint8

const (
	// TypePrepare Prepare 报文
	TypePrepare Type = 12
	// TypeFulfill Fulfill 报文
	TypeFulfill Type = 13
	// TypeReject Reject 报文
	TypeReject Type = 14
)

// String 返回类型名称
func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "Prepare"
	case TypeFulfill:
		return "Fulfill"
	case TypeReject:
		return "Reject"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// expiresAt 时间戳为固定 17 字节 ASCII：YYYYMMDDHHMMSSmmm（UTC，毫秒精度）
const (
	timestampFormat = "20060102150405.000"
	timestampLen    = 17
)

// ============================================================================
//                              报文类型
// ============================================================================

// Packet 是三种 ILP 报文的和类型
//
// 报文是不可变值对象：发送方构造、接收方解析，途中不被修改。
type Packet interface {
	// Type 返回报文类型字节
	Type() Type

	// isPacket 封闭实现集合
	isPacket()
}

// Prepare 报文：请求沿路径转移 Amount，并承诺条件 ExecutionCondition
type Prepare struct {
	// Destination 目的 ILP 地址
	Destination types.Address

	// Amount 转移金额（资产最小单位）
	Amount uint64

	// ExpiresAt 绝对过期时间（UTC，毫秒精度）
	ExpiresAt time.Time

	// ExecutionCondition 32 字节执行条件（fulfillment 的哈希承诺）
	ExecutionCondition [32]byte

	// Data 端到端负载（STREAM 报文密文）
	Data []byte
}

// Fulfill 报文：以 Fulfillment 兑现此前 Prepare 的条件
type Fulfill struct {
	// Fulfillment 32 字节履约值，满足 SHA256(Fulfillment) == ExecutionCondition
	Fulfillment [32]byte

	// Data 端到端负载
	Data []byte
}

// Reject 报文：拒绝此前的 Prepare
type Reject struct {
	// Code 三字节错误码
	Code types.ErrorCode

	// TriggeredBy 触发拒绝的节点地址（可为空）
	TriggeredBy types.Address

	// Message 人类可读的说明
	Message string

	// Data 附加数据（如 F08 的最大金额信息）
	Data []byte
}

// Type 实现 Packet 接口
func (p *Prepare) Type() Type { return TypePrepare }

// Type 实现 Packet 接口
func (f *Fulfill) Type() Type { return TypeFulfill }

// Type 实现 Packet 接口
func (r *Reject) Type() Type { return TypeReject }

func (p *Prepare) isPacket() {}
func (f *Fulfill) isPacket() {}
func (r *Reject) isPacket() {}

// ============================================================================
//                              编码
// ============================================================================

// Encode 编码报文为线上字节
//
// 对合法构造的报文永不失败。
func Encode(p Packet) []byte {
	content := oer.NewWriter()
	switch pkt := p.(type) {
	case *Prepare:
		content.PutUint64(pkt.Amount)
		content.PutBytes(formatTimestamp(pkt.ExpiresAt))
		content.PutBytes(pkt.ExecutionCondition[:])
		content.PutVarOctetString([]byte(pkt.Destination))
		content.PutVarOctetString(pkt.Data)
	case *Fulfill:
		content.PutBytes(pkt.Fulfillment[:])
		content.PutVarOctetString(pkt.Data)
	case *Reject:
		content.PutBytes(pkt.Code[:])
		content.PutVarOctetString([]byte(pkt.TriggeredBy))
		content.PutVarOctetString([]byte(pkt.Message))
		content.PutVarOctetString(pkt.Data)
	default:
		panic(fmt.Sprintf("packet: unknown packet variant %T", p))
	}

	w := oer.NewWriter()
	w.PutByte(byte(p.Type()))
	w.PutVarOctetString(content.Bytes())
	return w.Bytes()
}

// formatTimestamp 格式化为固定 17 字节时间戳（UTC，毫秒截断）
func formatTimestamp(t time.Time) []byte {
	s := t.UTC().Format(timestampFormat)
	// 去掉毫秒前的小数点：20060102150405.000 -> 17 字节
	b := make([]byte, 0, timestampLen)
	b = append(b, s[:14]...)
	b = append(b, s[15:]...)
	return b
}

// parseTimestamp 解析固定 17 字节时间戳
func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) != timestampLen {
		return time.Time{}, fmt.Errorf("%w: timestamp length %d", ErrInvalidTimestamp, len(b))
	}
	s := string(b[:14]) + "." + string(b[14:])
	t, err := time.ParseInLocation(timestampFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return t, nil
}

// ============================================================================
//                              解码
// ============================================================================

// Decode 从线上字节解码报文
//
// 解码是纯函数且严格：任何畸形输入都返回错误，绝不 panic。
func Decode(buf []byte) (Packet, error) {
	r := oer.NewReader(buf)
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrUnexpectedEOF
	}

	content, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	if !r.Done() {
		// 内容块之后不允许有多余字节
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, r.Len())
	}

	switch Type(typeByte) {
	case TypePrepare:
		return decodePrepare(oer.NewReader(content))
	case TypeFulfill:
		return decodeFulfill(oer.NewReader(content))
	case TypeReject:
		return decodeReject(oer.NewReader(content))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, typeByte)
	}
}

func decodePrepare(r *oer.Reader) (*Prepare, error) {
	amount, err := r.ReadUint64()
	if err != nil {
		return nil, ErrUnexpectedEOF
	}
	tsBytes, err := r.ReadBytes(timestampLen)
	if err != nil {
		return nil, ErrUnexpectedEOF
	}
	expiresAt, err := parseTimestamp(tsBytes)
	if err != nil {
		return nil, err
	}
	condition, err := readFixed32(r)
	if err != nil {
		return nil, err
	}
	destBytes, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	destination, err := types.NewAddress(string(destBytes))
	if err != nil {
		return nil, err
	}
	data, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	return &Prepare{
		Destination:        destination,
		Amount:             amount,
		ExpiresAt:          expiresAt,
		ExecutionCondition: condition,
		Data:               cloneBytes(data),
	}, nil
}

func decodeFulfill(r *oer.Reader) (*Fulfill, error) {
	fulfillment, err := readFixed32(r)
	if err != nil {
		return nil, err
	}
	data, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	return &Fulfill{
		Fulfillment: fulfillment,
		Data:        cloneBytes(data),
	}, nil
}

func decodeReject(r *oer.Reader) (*Reject, error) {
	codeBytes, err := r.ReadBytes(3)
	if err != nil {
		return nil, ErrUnexpectedEOF
	}
	code, err := types.NewErrorCode(codeBytes)
	if err != nil {
		return nil, err
	}
	trigBytes, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	var triggeredBy types.Address
	if len(trigBytes) > 0 {
		triggeredBy, err = types.NewAddress(string(trigBytes))
		if err != nil {
			return nil, err
		}
	}
	msgBytes, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	data, err := r.ReadVarOctetString()
	if err != nil {
		return nil, mapOerError(err)
	}
	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     string(msgBytes),
		Data:        cloneBytes(data),
	}, nil
}

// readFixed32 读取 32 字节定长字段
//
// 剩余字节不足 32 时返回 ErrInvalidFieldLength，与一般截断区分。
func readFixed32(r *oer.Reader) ([32]byte, error) {
	var out [32]byte
	b, err := r.ReadBytes(32)
	if err != nil {
		return out, fmt.Errorf("%w: need 32 bytes, have %d", ErrInvalidFieldLength, r.Len())
	}
	copy(out[:], b)
	return out, nil
}

// mapOerError 将 oer 层错误映射到报文层错误
func mapOerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, oer.ErrLengthMismatch):
		return fmt.Errorf("%w: %v", ErrLengthMismatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
