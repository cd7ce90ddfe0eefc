package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorCode(t *testing.T) {
	code, err := NewErrorCode([]byte("F08"))
	require.NoError(t, err)
	assert.Equal(t, CodeF08AmountTooLarge, code)

	_, err = NewErrorCode([]byte("F0"))
	assert.ErrorIs(t, err, ErrInvalidErrorCode)
	_, err = NewErrorCode([]byte("X00"))
	assert.ErrorIs(t, err, ErrInvalidErrorCode)
	_, err = NewErrorCode([]byte("Fab"))
	assert.ErrorIs(t, err, ErrInvalidErrorCode)
}

func TestErrorCodeClass(t *testing.T) {
	assert.Equal(t, ClassFinal, CodeF05WrongCondition.Class())
	assert.Equal(t, ClassTemporary, CodeT04InsufficientLiquidity.Class())
	assert.Equal(t, ClassRelative, CodeR00TransferTimedOut.Class())
}

func TestErrorCodeRetryable(t *testing.T) {
	// 只有 T 类可重试
	assert.True(t, CodeT00InternalError.Retryable())
	assert.True(t, CodeT99ApplicationError.Retryable())
	assert.False(t, CodeF08AmountTooLarge.Retryable())
	assert.False(t, CodeR00TransferTimedOut.Retryable())
}

func TestErrorCodeName(t *testing.T) {
	assert.Equal(t, "Amount Too Large", CodeF08AmountTooLarge.Name())
	assert.Equal(t, "Transfer Timed Out", CodeR00TransferTimedOut.Name())
	assert.Empty(t, ErrorCode{'T', '4', '2'}.Name())
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "F05", CodeF05WrongCondition.String())
	assert.Equal(t, "T04", CodeT04InsufficientLiquidity.String())
}

func TestErrorCodeValid(t *testing.T) {
	assert.True(t, CodeF00BadRequest.Valid())
	assert.True(t, ErrorCode{'T', '4', '2'}.Valid()) // 未命名但格式合法
	assert.False(t, ErrorCode{'x', '0', '0'}.Valid())
	assert.False(t, ErrorCode{'F', 'a', '0'}.Valid())
}
