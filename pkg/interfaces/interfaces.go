// Package interfaces 定义 go-interledger 与外部协作者之间的接口
//
// 报文的实际转发（连接器、路由）不在本模块范围内：本模块只通过
// Link 把 Prepare 交给外围服务层，并等待对应的 Fulfill/Reject。
package interfaces

import (
	"context"

	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/pkg/types"
)

// Link 报文传输协作者
//
// 由外围服务层提供。SendPrepare 把 Prepare 发往 Interledger 网络，
// 挂起直到收到对应的 Fulfill 或 Reject，或 ctx 到期。
// 返回的报文只会是 *packet.Fulfill 或 *packet.Reject。
type Link interface {
	SendPrepare(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error)
}

// LinkFunc 函数式 Link 适配器
type LinkFunc func(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error)

// SendPrepare 实现 Link 接口
func (f LinkFunc) SendPrepare(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error) {
	return f(ctx, prepare)
}

// PrepareHandler 入站报文处理器
//
// 接收端将其注册到外围服务层；每收到一个发往本端的 Prepare 调用一次，
// 返回 Fulfill 或 Reject。
type PrepareHandler interface {
	HandlePrepare(ctx context.Context, prepare *packet.Prepare) packet.Packet
}

// AccountFetcher 账户配置查询协作者（IL-DCP）
//
// 返回上游为本端分配的 ILP 地址与资产信息。
type AccountFetcher interface {
	FetchAccountDetails(ctx context.Context) (types.AccountDetails, error)
}

// StatsSink 连接统计接收器
//
// 连接状态机每完成一次流级资金事件调用一次。实现必须是并发安全的，
// 且不得阻塞调用方。
type StatsSink interface {
	Record(stat types.StreamStat)
}

// NopStatsSink 丢弃所有统计事件的 StatsSink
type NopStatsSink struct{}

// Record 实现 StatsSink 接口
func (NopStatsSink) Record(types.StreamStat) {}
