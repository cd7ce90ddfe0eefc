// Package ildcp 实现 IL-DCP（Interledger 动态配置协议）
//
// 子节点向父节点发送目的地址为 peer.config 的 Prepare，父节点
// 在 Fulfill 数据中返回分配给子节点的 ILP 地址与资产信息。
// 该交换使用公开的平凡条件（32 个零字节的 SHA-256），不承载资金。
package ildcp

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/lib/oer"
	"github.com/dep2p/go-interledger/pkg/types"
)

var logger = log.Logger("core/ildcp")

// DestinationAddress IL-DCP 请求的目的地址
const DestinationAddress = types.Address("peer.config")

// defaultTimeout 请求的默认过期时长
const defaultTimeout = 30 * time.Second

var (
	// ErrRejected 父节点拒绝了 IL-DCP 请求
	ErrRejected = errors.New("ildcp: request rejected")
	// ErrMalformedResponse 应答数据无法解析
	ErrMalformedResponse = errors.New("ildcp: malformed response")
)

// peerFulfillment IL-DCP 使用全零履约值，条件为其 SHA-256
var peerFulfillment [32]byte

// peerCondition 平凡条件，任何知道协议的节点都能兑现
var peerCondition = sha256.Sum256(peerFulfillment[:])

// EncodeResponse 编码 IL-DCP 应答数据
//
// 布局：clientAddress（变长八位组串）| assetScale（1 字节）|
// assetCode（变长八位组串）。
func EncodeResponse(details *types.AccountDetails) []byte {
	var w oer.Writer
	w.PutVarOctetString([]byte(details.ClientAddress))
	w.PutByte(details.AssetScale)
	w.PutVarOctetString([]byte(details.AssetCode))
	return w.Bytes()
}

// DecodeResponse 解析 IL-DCP 应答数据
func DecodeResponse(data []byte) (*types.AccountDetails, error) {
	r := oer.NewReader(data)
	addrBytes, err := r.ReadVarOctetString()
	if err != nil {
		return nil, fmt.Errorf("%w: client address: %v", ErrMalformedResponse, err)
	}
	addr, err := types.NewAddress(string(addrBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: client address: %v", ErrMalformedResponse, err)
	}
	scale, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: asset scale: %v", ErrMalformedResponse, err)
	}
	code, err := r.ReadVarOctetString()
	if err != nil {
		return nil, fmt.Errorf("%w: asset code: %v", ErrMalformedResponse, err)
	}
	return &types.AccountDetails{
		ClientAddress: addr,
		AssetCode:     string(code),
		AssetScale:    scale,
	}, nil
}

// Fetch 通过链路向父节点请求账户配置
func Fetch(ctx context.Context, link interfaces.Link, now time.Time) (*types.AccountDetails, error) {
	prepare := &packet.Prepare{
		Destination:        DestinationAddress,
		Amount:             0,
		ExpiresAt:          now.Add(defaultTimeout),
		ExecutionCondition: peerCondition,
	}

	response, err := link.SendPrepare(ctx, prepare)
	if err != nil {
		return nil, fmt.Errorf("ildcp: send request: %w", err)
	}

	switch pkt := response.(type) {
	case *packet.Fulfill:
		details, err := DecodeResponse(pkt.Data)
		if err != nil {
			return nil, err
		}
		logger.Info("获取账户配置成功",
			"address", details.ClientAddress.String(),
			"assetCode", details.AssetCode,
			"assetScale", details.AssetScale)
		return details, nil
	case *packet.Reject:
		logger.Warn("账户配置请求被拒绝", "code", pkt.Code.String(), "message", pkt.Message)
		return nil, fmt.Errorf("%w: %s %s", ErrRejected, pkt.Code.String(), pkt.Message)
	default:
		return nil, fmt.Errorf("ildcp: unexpected response type %T", response)
	}
}

// Client 通过 IL-DCP 获取账户配置的 AccountFetcher 实现
type Client struct {
	// Link 报文传输协作者
	Link interfaces.Link
	// Clock 时钟（nil 时使用真实时钟）
	Clock clock.Clock
}

var _ interfaces.AccountFetcher = (*Client)(nil)

// FetchAccountDetails 实现 interfaces.AccountFetcher
func (c *Client) FetchAccountDetails(ctx context.Context) (types.AccountDetails, error) {
	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	details, err := Fetch(ctx, c.Link, clk.Now())
	if err != nil {
		return types.AccountDetails{}, err
	}
	return *details, nil
}

// IsRequest 判断 Prepare 是否为 IL-DCP 请求
func IsRequest(prepare *packet.Prepare) bool {
	return prepare.Destination == DestinationAddress
}

// Serve 以父节点身份应答 IL-DCP 请求
//
// details 为分配给请求方的地址与资产信息。非 IL-DCP 请求或条件
// 不匹配时返回 Reject。
func Serve(prepare *packet.Prepare, details *types.AccountDetails) packet.Packet {
	if !IsRequest(prepare) {
		return &packet.Reject{
			Code:        types.CodeF02Unreachable,
			TriggeredBy: details.ClientAddress,
			Message:     "not an ildcp request",
		}
	}
	if prepare.ExecutionCondition != peerCondition {
		return &packet.Reject{
			Code:        types.CodeF05WrongCondition,
			TriggeredBy: details.ClientAddress,
			Message:     "unexpected ildcp condition",
		}
	}
	return &packet.Fulfill{
		Fulfillment: peerFulfillment,
		Data:        EncodeResponse(details),
	}
}
