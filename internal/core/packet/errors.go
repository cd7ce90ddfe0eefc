package packet

import "errors"

// 解码错误
//
// 所有错误只影响当前报文，不影响连接状态。
var (
	// ErrUnknownPacketType 未知的报文类型字节
	ErrUnknownPacketType = errors.New("packet: unknown packet type")

	// ErrUnexpectedEOF 缓冲区在字段中途被截断
	ErrUnexpectedEOF = errors.New("packet: unexpected end of buffer")

	// ErrLengthMismatch 长度前缀与实际内容不符
	ErrLengthMismatch = errors.New("packet: length prefix mismatch")

	// ErrInvalidFieldLength 定长字段长度错误（condition/fulfillment 必须 32 字节）
	ErrInvalidFieldLength = errors.New("packet: invalid fixed field length")

	// ErrInvalidTimestamp 时间戳格式错误
	ErrInvalidTimestamp = errors.New("packet: invalid timestamp")
)
