package condition

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFulfillment(t *testing.T) {
	var fulfillment [32]byte
	copy(fulfillment[:], "an example fulfillment value....")

	cond := FromFulfillment(fulfillment)
	assert.Equal(t, [32]byte(sha256.Sum256(fulfillment[:])), cond)
}

func TestVerify(t *testing.T) {
	var fulfillment [32]byte
	for i := range fulfillment {
		fulfillment[i] = byte(i * 7)
	}
	cond := FromFulfillment(fulfillment)

	assert.True(t, Verify(cond, fulfillment))

	// 任何一个比特翻转都导致验证失败
	tampered := fulfillment
	tampered[0] ^= 0x01
	assert.False(t, Verify(cond, tampered))

	var wrongCond [32]byte
	assert.False(t, Verify(wrongCond, fulfillment))
}

func TestVerifyZeroValues(t *testing.T) {
	// 全零履约值也遵循同样的承诺关系
	var zero [32]byte
	cond := FromFulfillment(zero)
	assert.True(t, Verify(cond, zero))
	assert.False(t, Verify(zero, zero))
}
