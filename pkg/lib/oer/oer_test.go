package oer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarOctetStringRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x42},
		make([]byte, 127),
		make([]byte, 128),
		make([]byte, 300),
		make([]byte, 70000),
	}
	for _, payload := range cases {
		var w Writer
		w.PutVarOctetString(payload)

		r := NewReader(w.Bytes())
		got, err := r.ReadVarOctetString()
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got))
		assert.True(t, r.Done())
	}
}

func TestVarOctetStringShortLengthPrefix(t *testing.T) {
	// 127 字节以内使用单字节长度前缀
	var w Writer
	w.PutVarOctetString(make([]byte, 127))
	assert.Equal(t, byte(127), w.Bytes()[0])

	// 128 字节起使用 0x80|n 的多字节前缀
	var w2 Writer
	w2.PutVarOctetString(make([]byte, 128))
	assert.Equal(t, []byte{0x81, 128}, w2.Bytes()[:2])
}

func TestReadVarOctetStringTruncated(t *testing.T) {
	// 长度前缀声称 5 字节但只剩 2 字节
	r := NewReader([]byte{0x05, 0x01, 0x02})
	_, err := r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReadVarOctetStringHostileLengthPrefix(t *testing.T) {
	// 不定长编码（0x80）被拒绝
	r := NewReader([]byte{0x80})
	_, err := r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrLengthPrefix)

	// 长度的长度超过 8 字节被拒绝
	r = NewReader([]byte{0x89, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	_, err = r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrLengthPrefix)

	// 非最小编码：单字节多字节前缀装着 <128 的值
	r = NewReader([]byte{0x81, 0x05, 1, 2, 3, 4, 5})
	_, err = r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrLengthPrefix)

	// 非最小编码：带前导零字节的两字节长度（0x82 0x00 0x50）
	r = NewReader(append([]byte{0x82, 0x00, 0x50}, make([]byte, 0x50)...))
	_, err = r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrLengthPrefix)
}

func TestReadVarOctetStringEmptyInput(t *testing.T) {
	r := NewReader(nil)
	_, err := r.ReadVarOctetString()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 256, 65535, 1 << 24, 1 << 32, 1<<64 - 1}
	for _, v := range values {
		var w Writer
		w.PutVarUint(v)

		r := NewReader(w.Bytes())
		got, err := r.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVarUintMinimalEncoding(t *testing.T) {
	// 零编码为单个零字节
	var w Writer
	w.PutVarUint(0)
	assert.Equal(t, []byte{0x01, 0x00}, w.Bytes())

	// 256 需要两个字节
	var w2 Writer
	w2.PutVarUint(256)
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, w2.Bytes())
}

func TestReadVarUintRejectsOversized(t *testing.T) {
	// 9 字节的整数无法装进 uint64
	r := NewReader([]byte{0x09, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	_, err := r.ReadVarUint()
	assert.ErrorIs(t, err, ErrIntegerOverflow)
}

func TestReadVarUintRejectsEmpty(t *testing.T) {
	// 零长度的整数内容非法
	r := NewReader([]byte{0x00})
	_, err := r.ReadVarUint()
	assert.Error(t, err)
}

func TestUint64RoundTrip(t *testing.T) {
	var w Writer
	w.PutUint64(0xDEADBEEF12345678)

	r := NewReader(w.Bytes())
	got, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF12345678), got)
}

func TestReaderSequential(t *testing.T) {
	var w Writer
	w.PutByte(0x0C)
	w.PutUint64(1000)
	w.PutVarOctetString([]byte("g.example.alice"))

	r := NewReader(w.Bytes())
	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0C), b)

	v, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), v)

	s, err := r.ReadVarOctetString()
	require.NoError(t, err)
	assert.Equal(t, "g.example.alice", string(s))
	assert.True(t, r.Done())
}

func TestVarOctetStringSize(t *testing.T) {
	assert.Equal(t, 1+10, VarOctetStringSize(10))
	assert.Equal(t, 1+127, VarOctetStringSize(127))
	assert.Equal(t, 2+128, VarOctetStringSize(128))
	assert.Equal(t, 3+300, VarOctetStringSize(300))
}
