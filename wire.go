package interledger

import (
	"context"

	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              报文类型别名
// ════════════════════════════════════════════════════════════════════════════

// 外围服务层通过 Link/PrepareHandler 与节点交换报文；别名使调用方
// 免于导入内部包。

// Packet ILPv4 报文（Prepare、Fulfill 或 Reject）
type Packet = packet.Packet

// Prepare ILPv4 Prepare 报文
type Prepare = packet.Prepare

// Fulfill ILPv4 Fulfill 报文
type Fulfill = packet.Fulfill

// Reject ILPv4 Reject 报文
type Reject = packet.Reject

// Link 报文传输协作者
type Link = interfaces.Link

// LinkFunc 函数式 Link 适配器
type LinkFunc = interfaces.LinkFunc

// PrepareHandler 入站报文处理器
type PrepareHandler = interfaces.PrepareHandler

// EncodePacket 将报文编码为 ILPv4 线格式
func EncodePacket(p Packet) []byte {
	return packet.Encode(p)
}

// DecodePacket 解析 ILPv4 线格式报文
func DecodePacket(buf []byte) (Packet, error) {
	return packet.Decode(buf)
}

// HandlePacket 处理一个线格式的入站报文
//
// HandlePrepare 的字节流形态：外围服务层直接转交收到的原始字节，
// 返回已编码的应答。无法解析或非 Prepare 的输入返回编码后的
// F01 Reject。
func (n *Node) HandlePacket(ctx context.Context, raw []byte) []byte {
	pkt, err := packet.Decode(raw)
	if err != nil {
		logger.Debug("入站报文解析失败", "error", err)
		return packet.Encode(&packet.Reject{
			Code:        types.CodeF01InvalidPacket,
			TriggeredBy: n.Account().ClientAddress,
			Message:     "malformed packet",
		})
	}
	prepare, ok := pkt.(*packet.Prepare)
	if !ok {
		return packet.Encode(&packet.Reject{
			Code:        types.CodeF01InvalidPacket,
			TriggeredBy: n.Account().ClientAddress,
			Message:     "expected a prepare packet",
		})
	}
	return packet.Encode(n.HandlePrepare(ctx, prepare))
}
