package types

import "time"

// ============================================================================
//                              统计事件
// ============================================================================

// Direction 数据/资金流向
type Direction uint8

const (
	// DirIncoming 入站
	DirIncoming Direction = iota
	// DirOutgoing 出站
	DirOutgoing
)

// String 返回流向的可读名称
func (d Direction) String() string {
	switch d {
	case DirIncoming:
		return "incoming"
	case DirOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// StreamStat 单次流级资金/数据事件
//
// 由连接状态机产生，交给统计接收器（StatsSink）消费。
type StreamStat struct {
	// Time 事件时间
	Time time.Time

	// StreamID 流 ID
	StreamID uint64

	// Amount 本次事件的金额（资产最小单位）
	Amount uint64

	// Direction 流向
	Direction Direction
}

// AccountDetails 本端账户配置（IL-DCP 交换结果）
type AccountDetails struct {
	// ClientAddress 分配给本端的 ILP 地址
	ClientAddress Address

	// AssetCode 资产代码，如 "XRP"
	AssetCode string

	// AssetScale 资产精度（最小单位的小数位数）
	AssetScale uint8
}
