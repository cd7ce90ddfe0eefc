package streampacket

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/lib/oer"
)

// Version 当前 STREAM 协议版本
const Version = 1

// 解码错误
var (
	// ErrUnsupportedVersion 不支持的协议版本
	ErrUnsupportedVersion = errors.New("streampacket: unsupported version")

	// ErrAuthenticationFailed 认证失败（转发 streamcrypto 的哨兵错误）
	ErrAuthenticationFailed = streamcrypto.ErrAuthenticationFailed
)

// Packet 解密后的 STREAM 报文
//
// Sequence 在每个方向上严格递增；重放检测由连接状态机负责，
// 本层只做无状态编解码。
type Packet struct {
	// Sequence 本方向的报文序号
	Sequence uint64

	// PacketType 所在 ILP 报文的类型字节（12/13/14），
	// 接收方据此区分请求与应答，防止报文被移花接木
	PacketType uint8

	// PrepareAmount 对 Prepare：本包声称的金额；对应答：实际到账金额
	PrepareAmount uint64

	// Frames 帧列表（按编码顺序处理）
	Frames []Frame
}

// ============================================================================
//                              明文编解码
// ============================================================================

// EncodePlain 编码明文（不加密，供测试与内部使用）
func (p *Packet) EncodePlain() []byte {
	w := oer.NewWriter()
	w.PutByte(Version)
	w.PutByte(p.PacketType)
	w.PutVarUint(p.Sequence)
	w.PutVarUint(p.PrepareAmount)
	w.PutVarUint(uint64(len(p.Frames)))
	for _, f := range p.Frames {
		encodeFrame(w, f)
	}
	return w.Bytes()
}

// DecodePlain 解码明文
func DecodePlain(buf []byte) (*Packet, error) {
	r := oer.NewReader(buf)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameParse, err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	packetType, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameParse, err)
	}
	sequence, err := r.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: sequence: %v", ErrFrameParse, err)
	}
	prepareAmount, err := r.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: prepareAmount: %v", ErrFrameParse, err)
	}
	frameCount, err := r.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: frameCount: %v", ErrFrameParse, err)
	}

	pkt := &Packet{
		Sequence:      sequence,
		PacketType:    packetType,
		PrepareAmount: prepareAmount,
	}
	for i := uint64(0); i < frameCount; i++ {
		frame, err := decodeFrame(r)
		if err != nil {
			return nil, err
		}
		if frame == nil {
			// 未知帧类型，已跳过
			continue
		}
		pkt.Frames = append(pkt.Frames, frame)
	}
	return pkt, nil
}

// ============================================================================
//                              加密编解码
// ============================================================================

// Encode 编码并用连接加密密钥做认证加密
//
// 输出可直接作为 Prepare/Fulfill/Reject 报文的 data 字段。
func (p *Packet) Encode(keys *streamcrypto.Keys) ([]byte, error) {
	return streamcrypto.Seal(keys.EncryptionKey(), p.EncodePlain())
}

// Decode 解密、校验认证标签并解析帧
//
// 标签不匹配返回 ErrAuthenticationFailed，此时报文内容不可信，
// 任何字段都不得使用。
func Decode(keys *streamcrypto.Keys, sealed []byte) (*Packet, error) {
	plaintext, err := streamcrypto.Open(keys.EncryptionKey(), sealed)
	if err != nil {
		return nil, err
	}
	return DecodePlain(plaintext)
}
