package streamcrypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-interledger/pkg/types"
)

func testSecret() []byte {
	secret := make([]byte, SharedSecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := testSecret()
	k1 := DeriveKey(secret, "ilp_stream_encryption")
	k2 := DeriveKey(secret, "ilp_stream_encryption")
	assert.Equal(t, k1, k2)

	// 不同标签派生不同密钥
	k3 := DeriveKey(secret, "ilp_stream_fulfillment")
	assert.NotEqual(t, k1, k3)

	// 与 HMAC-SHA256 定义一致
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("ilp_stream_encryption"))
	assert.Equal(t, mac.Sum(nil), k1[:])
}

func TestFulfillmentAndCondition(t *testing.T) {
	keys := NewKeys(testSecret())
	data := []byte("stream packet ciphertext")

	f1 := keys.Fulfillment(data)
	f2 := keys.Fulfillment(data)
	assert.Equal(t, f1, f2)

	// 不同数据产生不同履约值
	f3 := keys.Fulfillment([]byte("other data"))
	assert.NotEqual(t, f1, f3)

	// 不同密钥产生不同履约值
	other := NewKeys(bytes.Repeat([]byte{0xAA}, SharedSecretSize))
	assert.NotEqual(t, f1, other.Fulfillment(data))
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := NewKeys(testSecret()).EncryptionKey()
	plaintext := []byte("hello interledger")

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	// nonce + 密文 + 认证标签
	assert.Greater(t, len(sealed), len(plaintext)+NonceSize)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealRandomNonce(t *testing.T) {
	key := NewKeys(testSecret()).EncryptionKey()
	s1, err := Seal(key, []byte("payload"))
	require.NoError(t, err)
	s2, err := Seal(key, []byte("payload"))
	require.NoError(t, err)
	// 随机 nonce：同一明文两次加密产生不同密文
	assert.NotEqual(t, s1, s2)
}

func TestOpenRejectsTampering(t *testing.T) {
	key := NewKeys(testSecret()).EncryptionKey()
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	for i := 0; i < len(sealed); i++ {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "byte %d", i)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key := NewKeys(testSecret()).EncryptionKey()
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	other := NewKeys(bytes.Repeat([]byte{0x55}, SharedSecretSize)).EncryptionKey()
	_, err = Open(other, sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOpenRejectsShortInput(t *testing.T) {
	key := NewKeys(testSecret()).EncryptionKey()
	_, err := Open(key, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestConnectionGenerator(t *testing.T) {
	var seed [32]byte
	copy(seed[:], "server seed for testing only....")
	gen := NewConnectionGenerator(seed)
	base := types.MustAddress("test.receiver")

	dest, secret, err := gen.Generate(base)
	require.NoError(t, err)
	assert.True(t, dest.HasPrefix(base))
	assert.Len(t, secret, SharedSecretSize)

	// 从目的地址还原出同一密钥
	rederived, err := gen.Rederive(base, dest)
	require.NoError(t, err)
	assert.Equal(t, secret, rederived)

	// 地址带后续段落时仍以第一段为 token
	longer, err := dest.WithSuffix("extra")
	require.NoError(t, err)
	rederived2, err := gen.Rederive(base, longer)
	require.NoError(t, err)
	assert.Equal(t, secret, rederived2)
}

func TestConnectionGeneratorUniqueness(t *testing.T) {
	var seed [32]byte
	gen := NewConnectionGenerator(seed)
	base := types.MustAddress("test.receiver")

	d1, s1, err := gen.Generate(base)
	require.NoError(t, err)
	d2, s2, err := gen.Generate(base)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
	assert.NotEqual(t, s1, s2)
}

func TestRederiveForeignDestination(t *testing.T) {
	var seed [32]byte
	gen := NewConnectionGenerator(seed)
	base := types.MustAddress("test.receiver")

	_, err := gen.Rederive(base, types.MustAddress("test.other.abc"))
	assert.ErrorIs(t, err, ErrForeignDestination)

	// 基地址本身（无 token 段）也不合法
	_, err = gen.Rederive(base, base)
	assert.ErrorIs(t, err, ErrForeignDestination)
}

func TestSeedIndependence(t *testing.T) {
	var seed1, seed2 [32]byte
	seed2[0] = 1
	base := types.MustAddress("test.receiver")

	dest, secret, err := NewConnectionGenerator(seed1).Generate(base)
	require.NoError(t, err)

	other, err := NewConnectionGenerator(seed2).Rederive(base, dest)
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
