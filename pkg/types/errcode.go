package types

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              ErrorCode - ILP 错误码
// ============================================================================

// ErrInvalidErrorCode 无效的 ILP 错误码
var ErrInvalidErrorCode = errors.New("invalid ILP error code")

// ErrorClass ILP 错误码类别（错误码首字母）
type ErrorClass byte

const (
	// ClassFinal 最终错误，不可重试
	ClassFinal ErrorClass = 'F'
	// ClassTemporary 临时错误，可重试
	ClassTemporary ErrorClass = 'T'
	// ClassRelative 相对错误，与路径上的节点相关
	ClassRelative ErrorClass = 'R'
)

// ErrorCode 是三字节的 ILP Reject 错误码，如 "F00"、"T04"
//
// 格式：类别字母 + 两位数字。参见 ILP RFC-0027。
type ErrorCode [3]byte

// 已定义的错误码
var (
	// F 类：最终错误
	CodeF00BadRequest            = ErrorCode{'F', '0', '0'}
	CodeF01InvalidPacket         = ErrorCode{'F', '0', '1'}
	CodeF02Unreachable           = ErrorCode{'F', '0', '2'}
	CodeF03InvalidAmount         = ErrorCode{'F', '0', '3'}
	CodeF04InsufficientDstAmount = ErrorCode{'F', '0', '4'}
	CodeF05WrongCondition        = ErrorCode{'F', '0', '5'}
	CodeF06UnexpectedPayment     = ErrorCode{'F', '0', '6'}
	CodeF07CannotReceive         = ErrorCode{'F', '0', '7'}
	CodeF08AmountTooLarge        = ErrorCode{'F', '0', '8'}
	CodeF99ApplicationError      = ErrorCode{'F', '9', '9'}

	// T 类：临时错误
	CodeT00InternalError         = ErrorCode{'T', '0', '0'}
	CodeT01PeerUnreachable       = ErrorCode{'T', '0', '1'}
	CodeT02PeerBusy              = ErrorCode{'T', '0', '2'}
	CodeT03ConnectorBusy         = ErrorCode{'T', '0', '3'}
	CodeT04InsufficientLiquidity = ErrorCode{'T', '0', '4'}
	CodeT05RateLimited           = ErrorCode{'T', '0', '5'}
	CodeT99ApplicationError      = ErrorCode{'T', '9', '9'}

	// R 类：相对错误
	CodeR00TransferTimedOut = ErrorCode{'R', '0', '0'}
	CodeR01InsufficientSrcAmount = ErrorCode{'R', '0', '1'}
	CodeR02InsufficientTimeout   = ErrorCode{'R', '0', '2'}
	CodeR99ApplicationError      = ErrorCode{'R', '9', '9'}
)

// errorCodeNames 错误码名称表（进程级只读）
var errorCodeNames = map[ErrorCode]string{
	CodeF00BadRequest:            "Bad Request",
	CodeF01InvalidPacket:         "Invalid Packet",
	CodeF02Unreachable:           "Unreachable",
	CodeF03InvalidAmount:         "Invalid Amount",
	CodeF04InsufficientDstAmount: "Insufficient Destination Amount",
	CodeF05WrongCondition:        "Wrong Condition",
	CodeF06UnexpectedPayment:     "Unexpected Payment",
	CodeF07CannotReceive:         "Cannot Receive",
	CodeF08AmountTooLarge:        "Amount Too Large",
	CodeF99ApplicationError:      "Application Error",
	CodeT00InternalError:         "Internal Error",
	CodeT01PeerUnreachable:       "Ledger Unreachable",
	CodeT02PeerBusy:              "Ledger Busy",
	CodeT03ConnectorBusy:         "Connector Busy",
	CodeT04InsufficientLiquidity: "Insufficient Liquidity",
	CodeT05RateLimited:           "Rate Limited",
	CodeT99ApplicationError:      "Application Error",
	CodeR00TransferTimedOut:      "Transfer Timed Out",
	CodeR01InsufficientSrcAmount: "Insufficient Source Amount",
	CodeR02InsufficientTimeout:   "Insufficient Timeout",
	CodeR99ApplicationError:      "Application Error",
}

// NewErrorCode 从三字节构造 ErrorCode 并校验格式
func NewErrorCode(b []byte) (ErrorCode, error) {
	if len(b) != 3 {
		return ErrorCode{}, fmt.Errorf("%w: length %d", ErrInvalidErrorCode, len(b))
	}
	var code ErrorCode
	copy(code[:], b)
	if !code.Valid() {
		return ErrorCode{}, fmt.Errorf("%w: %q", ErrInvalidErrorCode, string(b))
	}
	return code, nil
}

// Valid 判断错误码格式是否合法
//
// 类别必须是 F/T/R，后两位必须是 ASCII 数字。
func (c ErrorCode) Valid() bool {
	switch ErrorClass(c[0]) {
	case ClassFinal, ClassTemporary, ClassRelative:
	default:
		return false
	}
	return c[1] >= '0' && c[1] <= '9' && c[2] >= '0' && c[2] <= '9'
}

// Class 返回错误码类别
func (c ErrorCode) Class() ErrorClass {
	return ErrorClass(c[0])
}

// Retryable 判断错误是否可重试（T 类）
func (c ErrorCode) Retryable() bool {
	return c.Class() == ClassTemporary
}

// Name 返回错误码的可读名称，未知错误码返回空串
func (c ErrorCode) Name() string {
	return errorCodeNames[c]
}

// String 返回错误码字符串，如 "T04"
func (c ErrorCode) String() string {
	return string(c[:])
}
