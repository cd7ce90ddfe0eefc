// Package streampacket 实现 STREAM 协议的帧与报文编解码
//
// STREAM 报文是 Prepare/Fulfill 报文 data 字段中经认证加密的负载，
// 明文格式为：
//
//	version(1) | packetType(1) | sequence(varuint) | prepareAmount(varuint)
//	| frameCount(varuint) | frames...
//
// 每个帧为：frameType(1) | var-octet-string(content)。
// 未知帧类型在解码时跳过（前向兼容），已知帧内容畸形则整包报错。
package streampacket

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-interledger/pkg/lib/oer"
	"github.com/dep2p/go-interledger/pkg/types"
)

// FrameType 帧类型字节
type FrameType uint8

// 帧类型常量
const (
	FrameConnectionClose           FrameType = 0x01
	FrameConnectionNewAddress      FrameType = 0x02
	FrameConnectionMaxData         FrameType = 0x03
	FrameConnectionDataBlocked     FrameType = 0x04
	FrameConnectionMaxStreamID     FrameType = 0x05
	FrameConnectionStreamIDBlocked FrameType = 0x06
	FrameConnectionAssetDetails    FrameType = 0x07
	FrameStreamClose               FrameType = 0x10
	FrameStreamMoney               FrameType = 0x11
	FrameStreamMaxMoney            FrameType = 0x12
	FrameStreamMoneyBlocked        FrameType = 0x13
	FrameStreamData                FrameType = 0x14
	FrameStreamMaxData             FrameType = 0x15
	FrameStreamDataBlocked         FrameType = 0x16
)

// ErrCode STREAM 层关闭原因码（用于 ConnectionClose/StreamClose 帧）
type ErrCode uint8

// 关闭原因码常量
const (
	ErrCodeNoError           ErrCode = 0x01
	ErrCodeInternalError     ErrCode = 0x02
	ErrCodeEndpointBusy      ErrCode = 0x03
	ErrCodeFlowControlError  ErrCode = 0x04
	ErrCodeStreamIDError     ErrCode = 0x05
	ErrCodeStreamStateError  ErrCode = 0x06
	ErrCodeFrameFormatError  ErrCode = 0x07
	ErrCodeProtocolViolation ErrCode = 0x08
	ErrCodeApplicationError  ErrCode = 0x09
)

// ErrFrameParse 已知帧类型但内容畸形
var ErrFrameParse = errors.New("streampacket: malformed frame")

// ============================================================================
//                              帧类型定义
// ============================================================================

// Frame 是所有 STREAM 帧的和类型
//
// 同一报文内帧按编码顺序处理；引用同一条流的帧之间顺序有意义。
type Frame interface {
	// FrameType 返回帧类型字节
	FrameType() FrameType

	// encodeContent 编码帧内容（不含类型字节和长度前缀）
	encodeContent(w *oer.Writer)
}

// ConnectionCloseFrame 关闭整条连接
type ConnectionCloseFrame struct {
	Code    ErrCode
	Message string
}

// ConnectionNewAddressFrame 通告本端新的 ILP 地址
type ConnectionNewAddressFrame struct {
	SourceAccount types.Address
}

// ConnectionMaxDataFrame 通告连接级接收数据上限（字节偏移）
type ConnectionMaxDataFrame struct {
	MaxOffset uint64
}

// ConnectionDataBlockedFrame 本端因连接级数据上限被阻塞
type ConnectionDataBlockedFrame struct {
	MaxOffset uint64
}

// ConnectionMaxStreamIDFrame 通告对端可用的最大流 ID
type ConnectionMaxStreamIDFrame struct {
	MaxStreamID uint64
}

// ConnectionStreamIDBlockedFrame 本端因流 ID 上限被阻塞
type ConnectionStreamIDBlockedFrame struct {
	MaxStreamID uint64
}

// ConnectionAssetDetailsFrame 通告本端的资产信息
type ConnectionAssetDetailsFrame struct {
	SourceAssetCode  string
	SourceAssetScale uint8
}

// StreamCloseFrame 关闭单条流
type StreamCloseFrame struct {
	StreamID uint64
	Code     ErrCode
	Message  string
}

// StreamMoneyFrame 将本报文金额的 Shares 份额记入指定流
type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

// StreamMaxMoneyFrame 通告流级接收金额上限
type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

// StreamMoneyBlockedFrame 本端因流级金额上限被阻塞
type StreamMoneyBlockedFrame struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

// StreamDataFrame 携带流数据
type StreamDataFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

// StreamMaxDataFrame 通告流级接收数据上限（字节偏移）
type StreamMaxDataFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

// StreamDataBlockedFrame 本端因流级数据上限被阻塞
type StreamDataBlockedFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

// FrameType 实现 Frame 接口
func (f *ConnectionCloseFrame) FrameType() FrameType           { return FrameConnectionClose }
func (f *ConnectionNewAddressFrame) FrameType() FrameType      { return FrameConnectionNewAddress }
func (f *ConnectionMaxDataFrame) FrameType() FrameType         { return FrameConnectionMaxData }
func (f *ConnectionDataBlockedFrame) FrameType() FrameType     { return FrameConnectionDataBlocked }
func (f *ConnectionMaxStreamIDFrame) FrameType() FrameType     { return FrameConnectionMaxStreamID }
func (f *ConnectionStreamIDBlockedFrame) FrameType() FrameType { return FrameConnectionStreamIDBlocked }
func (f *ConnectionAssetDetailsFrame) FrameType() FrameType    { return FrameConnectionAssetDetails }
func (f *StreamCloseFrame) FrameType() FrameType               { return FrameStreamClose }
func (f *StreamMoneyFrame) FrameType() FrameType               { return FrameStreamMoney }
func (f *StreamMaxMoneyFrame) FrameType() FrameType            { return FrameStreamMaxMoney }
func (f *StreamMoneyBlockedFrame) FrameType() FrameType        { return FrameStreamMoneyBlocked }
func (f *StreamDataFrame) FrameType() FrameType                { return FrameStreamData }
func (f *StreamMaxDataFrame) FrameType() FrameType             { return FrameStreamMaxData }
func (f *StreamDataBlockedFrame) FrameType() FrameType         { return FrameStreamDataBlocked }

// ============================================================================
//                              帧编码
// ============================================================================

func (f *ConnectionCloseFrame) encodeContent(w *oer.Writer) {
	w.PutByte(byte(f.Code))
	w.PutVarOctetString([]byte(f.Message))
}

func (f *ConnectionNewAddressFrame) encodeContent(w *oer.Writer) {
	w.PutVarOctetString([]byte(f.SourceAccount))
}

func (f *ConnectionMaxDataFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.MaxOffset)
}

func (f *ConnectionDataBlockedFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.MaxOffset)
}

func (f *ConnectionMaxStreamIDFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.MaxStreamID)
}

func (f *ConnectionStreamIDBlockedFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.MaxStreamID)
}

func (f *ConnectionAssetDetailsFrame) encodeContent(w *oer.Writer) {
	w.PutVarOctetString([]byte(f.SourceAssetCode))
	w.PutByte(f.SourceAssetScale)
}

func (f *StreamCloseFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutByte(byte(f.Code))
	w.PutVarOctetString([]byte(f.Message))
}

func (f *StreamMoneyFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.Shares)
}

func (f *StreamMaxMoneyFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.ReceiveMax)
	w.PutVarUint(f.TotalReceived)
}

func (f *StreamMoneyBlockedFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.SendMax)
	w.PutVarUint(f.TotalSent)
}

func (f *StreamDataFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.Offset)
	w.PutVarOctetString(f.Data)
}

func (f *StreamMaxDataFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.MaxOffset)
}

func (f *StreamDataBlockedFrame) encodeContent(w *oer.Writer) {
	w.PutVarUint(f.StreamID)
	w.PutVarUint(f.MaxOffset)
}

// encodeFrame 编码单个帧（类型字节 + 长度前缀内容）
func encodeFrame(w *oer.Writer, f Frame) {
	content := oer.NewWriter()
	f.encodeContent(content)
	w.PutByte(byte(f.FrameType()))
	w.PutVarOctetString(content.Bytes())
}

// ============================================================================
//                              帧解码
// ============================================================================

// decodeFrame 解码单个帧
//
// 未知帧类型返回 (nil, nil)，调用方应跳过。
func decodeFrame(r *oer.Reader) (Frame, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameParse, err)
	}
	content, err := r.ReadVarOctetString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameParse, err)
	}

	cr := oer.NewReader(content)
	var frame Frame
	switch FrameType(typeByte) {
	case FrameConnectionClose:
		frame, err = decodeConnectionClose(cr)
	case FrameConnectionNewAddress:
		frame, err = decodeConnectionNewAddress(cr)
	case FrameConnectionMaxData:
		frame, err = decodeConnectionMaxData(cr)
	case FrameConnectionDataBlocked:
		frame, err = decodeConnectionDataBlocked(cr)
	case FrameConnectionMaxStreamID:
		frame, err = decodeConnectionMaxStreamID(cr)
	case FrameConnectionStreamIDBlocked:
		frame, err = decodeConnectionStreamIDBlocked(cr)
	case FrameConnectionAssetDetails:
		frame, err = decodeConnectionAssetDetails(cr)
	case FrameStreamClose:
		frame, err = decodeStreamClose(cr)
	case FrameStreamMoney:
		frame, err = decodeStreamMoney(cr)
	case FrameStreamMaxMoney:
		frame, err = decodeStreamMaxMoney(cr)
	case FrameStreamMoneyBlocked:
		frame, err = decodeStreamMoneyBlocked(cr)
	case FrameStreamData:
		frame, err = decodeStreamData(cr)
	case FrameStreamMaxData:
		frame, err = decodeStreamMaxData(cr)
	case FrameStreamDataBlocked:
		frame, err = decodeStreamDataBlocked(cr)
	default:
		// 未知帧类型：跳过以保持前向兼容
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func decodeConnectionClose(r *oer.Reader) (Frame, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, frameErr("ConnectionClose", err)
	}
	msg, err := r.ReadVarOctetString()
	if err != nil {
		return nil, frameErr("ConnectionClose", err)
	}
	return &ConnectionCloseFrame{Code: ErrCode(code), Message: string(msg)}, nil
}

func decodeConnectionNewAddress(r *oer.Reader) (Frame, error) {
	addrBytes, err := r.ReadVarOctetString()
	if err != nil {
		return nil, frameErr("ConnectionNewAddress", err)
	}
	addr, err := types.NewAddress(string(addrBytes))
	if err != nil {
		return nil, frameErr("ConnectionNewAddress", err)
	}
	return &ConnectionNewAddressFrame{SourceAccount: addr}, nil
}

func decodeConnectionMaxData(r *oer.Reader) (Frame, error) {
	v, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("ConnectionMaxData", err)
	}
	return &ConnectionMaxDataFrame{MaxOffset: v}, nil
}

func decodeConnectionDataBlocked(r *oer.Reader) (Frame, error) {
	v, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("ConnectionDataBlocked", err)
	}
	return &ConnectionDataBlockedFrame{MaxOffset: v}, nil
}

func decodeConnectionMaxStreamID(r *oer.Reader) (Frame, error) {
	v, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("ConnectionMaxStreamID", err)
	}
	return &ConnectionMaxStreamIDFrame{MaxStreamID: v}, nil
}

func decodeConnectionStreamIDBlocked(r *oer.Reader) (Frame, error) {
	v, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("ConnectionStreamIDBlocked", err)
	}
	return &ConnectionStreamIDBlockedFrame{MaxStreamID: v}, nil
}

func decodeConnectionAssetDetails(r *oer.Reader) (Frame, error) {
	code, err := r.ReadVarOctetString()
	if err != nil {
		return nil, frameErr("ConnectionAssetDetails", err)
	}
	scale, err := r.ReadByte()
	if err != nil {
		return nil, frameErr("ConnectionAssetDetails", err)
	}
	return &ConnectionAssetDetailsFrame{SourceAssetCode: string(code), SourceAssetScale: scale}, nil
}

func decodeStreamClose(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamClose", err)
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, frameErr("StreamClose", err)
	}
	msg, err := r.ReadVarOctetString()
	if err != nil {
		return nil, frameErr("StreamClose", err)
	}
	return &StreamCloseFrame{StreamID: id, Code: ErrCode(code), Message: string(msg)}, nil
}

func decodeStreamMoney(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMoney", err)
	}
	shares, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMoney", err)
	}
	return &StreamMoneyFrame{StreamID: id, Shares: shares}, nil
}

func decodeStreamMaxMoney(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMaxMoney", err)
	}
	receiveMax, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMaxMoney", err)
	}
	totalReceived, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMaxMoney", err)
	}
	return &StreamMaxMoneyFrame{StreamID: id, ReceiveMax: receiveMax, TotalReceived: totalReceived}, nil
}

func decodeStreamMoneyBlocked(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMoneyBlocked", err)
	}
	sendMax, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMoneyBlocked", err)
	}
	totalSent, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMoneyBlocked", err)
	}
	return &StreamMoneyBlockedFrame{StreamID: id, SendMax: sendMax, TotalSent: totalSent}, nil
}

func decodeStreamData(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamData", err)
	}
	offset, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamData", err)
	}
	data, err := r.ReadVarOctetString()
	if err != nil {
		return nil, frameErr("StreamData", err)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return &StreamDataFrame{StreamID: id, Offset: offset, Data: out}, nil
}

func decodeStreamMaxData(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMaxData", err)
	}
	maxOffset, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamMaxData", err)
	}
	return &StreamMaxDataFrame{StreamID: id, MaxOffset: maxOffset}, nil
}

func decodeStreamDataBlocked(r *oer.Reader) (Frame, error) {
	id, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamDataBlocked", err)
	}
	maxOffset, err := r.ReadVarUint()
	if err != nil {
		return nil, frameErr("StreamDataBlocked", err)
	}
	return &StreamDataBlockedFrame{StreamID: id, MaxOffset: maxOffset}, nil
}

func frameErr(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrFrameParse, name, err)
}
