package streampacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/lib/oer"
	"github.com/dep2p/go-interledger/pkg/types"
)

func testKeys() *streamcrypto.Keys {
	secret := make([]byte, streamcrypto.SharedSecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	return streamcrypto.NewKeys(secret)
}

func allFrames() []Frame {
	return []Frame{
		&ConnectionCloseFrame{Code: ErrCodeNoError, Message: "bye"},
		&ConnectionNewAddressFrame{SourceAccount: types.MustAddress("g.example.sender")},
		&ConnectionMaxDataFrame{MaxOffset: 1 << 20},
		&ConnectionDataBlockedFrame{MaxOffset: 4096},
		&ConnectionMaxStreamIDFrame{MaxStreamID: 101},
		&ConnectionStreamIDBlockedFrame{MaxStreamID: 99},
		&ConnectionAssetDetailsFrame{SourceAssetCode: "XRP", SourceAssetScale: 9},
		&StreamCloseFrame{StreamID: 1, Code: ErrCodeApplicationError, Message: "done"},
		&StreamMoneyFrame{StreamID: 1, Shares: 100},
		&StreamMaxMoneyFrame{StreamID: 1, ReceiveMax: 5000, TotalReceived: 123},
		&StreamMoneyBlockedFrame{StreamID: 1, SendMax: 400, TotalSent: 300},
		&StreamDataFrame{StreamID: 3, Offset: 64, Data: []byte("payload")},
		&StreamMaxDataFrame{StreamID: 3, MaxOffset: 65536},
		&StreamDataBlockedFrame{StreamID: 3, MaxOffset: 64},
	}
}

func TestPlainRoundTripAllFrameTypes(t *testing.T) {
	original := &Packet{
		Sequence:      7,
		PacketType:    12,
		PrepareAmount: 1000,
		Frames:        allFrames(),
	}

	decoded, err := DecodePlain(original.EncodePlain())
	require.NoError(t, err)
	assert.Equal(t, original.Sequence, decoded.Sequence)
	assert.Equal(t, original.PacketType, decoded.PacketType)
	assert.Equal(t, original.PrepareAmount, decoded.PrepareAmount)
	require.Len(t, decoded.Frames, len(original.Frames))
	for i, f := range original.Frames {
		assert.Equal(t, f, decoded.Frames[i], "frame %d (%v)", i, f.FrameType())
	}
}

func TestEncodedLayout(t *testing.T) {
	pkt := &Packet{Sequence: 1, PacketType: 12}
	buf := pkt.EncodePlain()
	// version | packetType | seq | prepareAmount | frameCount
	assert.Equal(t, byte(Version), buf[0])
	assert.Equal(t, byte(12), buf[1])
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	pkt := &Packet{Sequence: 1, PacketType: 12}
	buf := pkt.EncodePlain()
	buf[0] = 2
	_, err := DecodePlain(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeSkipsUnknownFrames(t *testing.T) {
	// 手工构造带一个未知帧的报文：已知帧之间夹一个类型 0x7F 的帧
	w := oer.NewWriter()
	w.PutByte(Version)
	w.PutByte(12)
	w.PutVarUint(5)  // sequence
	w.PutVarUint(0)  // prepareAmount
	w.PutVarUint(3)  // frameCount

	encodeFrame(w, &StreamMoneyFrame{StreamID: 1, Shares: 10})
	w.PutByte(0x7F)                            // 未知帧类型
	w.PutVarOctetString([]byte{1, 2, 3, 4})    // 内容被整体跳过
	encodeFrame(w, &StreamMaxDataFrame{StreamID: 1, MaxOffset: 100})

	decoded, err := DecodePlain(w.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded.Frames, 2)
	assert.Equal(t, &StreamMoneyFrame{StreamID: 1, Shares: 10}, decoded.Frames[0])
	assert.Equal(t, &StreamMaxDataFrame{StreamID: 1, MaxOffset: 100}, decoded.Frames[1])
}

func TestDecodeTruncatedFrame(t *testing.T) {
	pkt := &Packet{
		Sequence:   1,
		PacketType: 12,
		Frames:     []Frame{&StreamDataFrame{StreamID: 1, Offset: 0, Data: []byte("abcdef")}},
	}
	buf := pkt.EncodePlain()
	for i := 5; i < len(buf); i++ {
		_, err := DecodePlain(buf[:i])
		assert.Error(t, err, "prefix length %d", i)
	}
}

func TestSealedRoundTrip(t *testing.T) {
	keys := testKeys()
	original := &Packet{
		Sequence:      42,
		PacketType:    13,
		PrepareAmount: 500,
		Frames:        []Frame{&StreamMoneyFrame{StreamID: 1, Shares: 1}},
	}

	sealed, err := original.Encode(keys)
	require.NoError(t, err)

	decoded, err := Decode(keys, sealed)
	require.NoError(t, err)
	assert.Equal(t, original.Sequence, decoded.Sequence)
	assert.Equal(t, original.Frames, decoded.Frames)
}

func TestDecodeAuthenticationFailure(t *testing.T) {
	keys := testKeys()
	sealed, err := (&Packet{Sequence: 1, PacketType: 12}).Encode(keys)
	require.NoError(t, err)

	// 篡改任何一个字节都导致认证失败
	sealed[len(sealed)-1] ^= 0x01
	_, err = Decode(keys, sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// 错误密钥同样失败
	other := streamcrypto.NewKeys(make([]byte, streamcrypto.SharedSecretSize))
	sealed2, err := (&Packet{Sequence: 1, PacketType: 12}).Encode(keys)
	require.NoError(t, err)
	_, err = Decode(other, sealed2)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestFrameTypeValues(t *testing.T) {
	// 帧类型字节固定，是线上格式的一部分
	assert.Equal(t, FrameType(0x01), (&ConnectionCloseFrame{}).FrameType())
	assert.Equal(t, FrameType(0x02), (&ConnectionNewAddressFrame{}).FrameType())
	assert.Equal(t, FrameType(0x07), (&ConnectionAssetDetailsFrame{}).FrameType())
	assert.Equal(t, FrameType(0x10), (&StreamCloseFrame{}).FrameType())
	assert.Equal(t, FrameType(0x11), (&StreamMoneyFrame{}).FrameType())
	assert.Equal(t, FrameType(0x14), (&StreamDataFrame{}).FrameType())
}
