package interledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dep2p/go-interledger/internal/core/connection"
	"github.com/dep2p/go-interledger/internal/core/connmgr"
	"github.com/dep2p/go-interledger/internal/core/ildcp"
	"github.com/dep2p/go-interledger/internal/core/metrics"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/types"
)

var logger = log.Logger("interledger")

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

// Conn 是 STREAM 连接的类型别名，方便调用方免于导入内部包
type Conn = connection.Connection

// Stream 是 STREAM 流的类型别名
type Stream = connection.Stream

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 空闲状态（已创建，未启动）
	StateIdle NodeState = iota

	// StateRunning 运行中
	StateRunning

	// StateClosed 已关闭
	StateClosed
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// startTimeout Fx App 启动超时
const startTimeout = 30 * time.Second

// closeTimeout 关闭超时
const closeTimeout = 10 * time.Second

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node Interledger STREAM 端点
//
// Node 是用户与协议栈交互的主入口，是一个聚合内部组件的门面：
//   - Dial 建立出站连接（发送方）
//   - Listen 获取监听器（接收方），生成凭据并接受入站连接
//   - HandlePrepare 由外围服务层在收到入站报文时调用
type Node struct {
	opts *options
	app  fxApp

	mu      sync.Mutex
	state   NodeState
	account types.AccountDetails
	dialed  []*connection.Connection

	// 由 Fx 容器填充
	link      interfaces.Link
	stats     interfaces.StatsSink
	collector *metrics.Collector
	generator *streamcrypto.ConnectionGenerator
	manager   *connmgr.Manager
	fetcher   interfaces.AccountFetcher

	listener *Listener
	acceptCh chan *connection.Connection
}

var _ interfaces.PrepareHandler = (*Node)(nil)

// New 创建节点
//
// 创建后处于 Idle 状态，须调用 Start 启动。
func New(opts ...Option) (*Node, error) {
	o := defaultOptions()
	if err := o.apply(opts...); err != nil {
		return nil, err
	}
	if o.link == nil {
		return nil, ErrNoLink
	}
	if o.logOutput != nil {
		log.SetOutput(o.logOutput)
	}

	node := &Node{
		opts:     o,
		state:    StateIdle,
		acceptCh: make(chan *connection.Connection, 16),
	}
	node.account = types.AccountDetails{
		ClientAddress: o.sourceAccount,
		AssetCode:     o.assetCode,
		AssetScale:    o.assetScale,
	}

	app, err := buildFxApp(o, node)
	if err != nil {
		return nil, err
	}
	node.app = app
	return node, nil
}

// Start 启动节点
//
// 配置了 WithAccountFetch 时，在此阶段通过 IL-DCP 学习本端地址
// 与资产信息。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateRunning:
		n.mu.Unlock()
		return ErrAlreadyStarted
	case StateClosed:
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		return fmt.Errorf("interledger: start: %w", err)
	}

	if n.fetcher != nil {
		details, err := n.fetcher.FetchAccountDetails(ctx)
		if err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), closeTimeout)
			defer stopCancel()
			_ = n.app.Stop(stopCtx)
			return err
		}
		n.mu.Lock()
		n.account = details
		n.mu.Unlock()
		logger.Info("已获取账户配置", "address", details.ClientAddress.String())
	}

	n.mu.Lock()
	n.state = StateRunning
	n.mu.Unlock()
	logger.Info("节点已启动")
	return nil
}

// State 返回当前状态
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Account 返回本端账户信息（IL-DCP 获取后为学习到的值）
func (n *Node) Account() types.AccountDetails {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.account
}

// Stats 返回内置收集器的资金累计快照
//
// 使用 WithStatsSink 替换了内置收集器时返回零值。
func (n *Node) Stats() metrics.Totals {
	if n.collector == nil {
		return metrics.Totals{}
	}
	return n.collector.Totals()
}

// Dial 建立到 destination 的出站 STREAM 连接
//
// sharedSecret 为带外获取的 32 字节共享密钥。
func (n *Node) Dial(ctx context.Context, destination types.Address, sharedSecret []byte) (*Conn, error) {
	n.mu.Lock()
	if n.state != StateRunning {
		err := ErrNotStarted
		if n.state == StateClosed {
			err = ErrNodeClosed
		}
		n.mu.Unlock()
		return nil, err
	}
	account := n.account
	n.mu.Unlock()

	conn, err := connection.New(connection.Params{
		Config:             n.opts.config,
		Link:               n.link,
		SharedSecret:       sharedSecret,
		DestinationAccount: destination,
		SourceAccount:      account.ClientAddress,
		AssetCode:          account.AssetCode,
		AssetScale:         account.AssetScale,
		Clock:              n.opts.clock,
		Stats:              n.stats,
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.dialed = append(n.dialed, conn)
	n.mu.Unlock()
	logger.Debug("建立出站连接", "destination", destination.String())
	return conn, nil
}

// Listen 返回监听器
//
// 需要 WithServerSeed 与本端地址（WithSourceAccount 或 IL-DCP）。
func (n *Node) Listen() (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateIdle:
		return nil, ErrNotStarted
	case StateClosed:
		return nil, ErrNodeClosed
	}
	if n.manager == nil || n.generator == nil {
		return nil, ErrNoServerSeed
	}
	if n.account.ClientAddress == "" {
		return nil, ErrNoSourceAccount
	}
	if n.listener == nil {
		n.listener = &Listener{node: n}
	}
	return n.listener, nil
}

// HandlePrepare 处理入站 Prepare
//
// 外围服务层在收到发往本端的报文时调用。IL-DCP 请求由节点直接
// 应答；其余报文路由到服务端连接表。
func (n *Node) HandlePrepare(ctx context.Context, prepare *packet.Prepare) packet.Packet {
	n.mu.Lock()
	state := n.state
	account := n.account
	n.mu.Unlock()

	if state != StateRunning {
		return &packet.Reject{
			Code:        types.CodeT00InternalError,
			TriggeredBy: account.ClientAddress,
			Message:     "node not running",
		}
	}

	if ildcp.IsRequest(prepare) {
		if n.opts.childAccount == nil {
			return &packet.Reject{
				Code:        types.CodeF02Unreachable,
				TriggeredBy: account.ClientAddress,
				Message:     "ildcp not served here",
			}
		}
		return ildcp.Serve(prepare, n.opts.childAccount)
	}

	if n.manager == nil {
		return &packet.Reject{
			Code:        types.CodeF02Unreachable,
			TriggeredBy: account.ClientAddress,
			Message:     "node is not listening",
		}
	}
	return n.manager.HandlePrepare(ctx, prepare)
}

// Close 关闭节点及其全部连接
func (n *Node) Close() error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = StateClosed
	dialed := n.dialed
	n.dialed = nil
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs error
	for _, conn := range dialed {
		errs = multierr.Append(errs, conn.Close(ctx))
	}
	if n.manager != nil {
		errs = multierr.Append(errs, n.manager.Close(ctx))
	}
	errs = multierr.Append(errs, n.app.Stop(ctx))
	logger.Info("节点已关闭")
	return errs
}

// ════════════════════════════════════════════════════════════════════════════
//                              Listener
// ════════════════════════════════════════════════════════════════════════════

// Listener 接收入站 STREAM 连接
type Listener struct {
	node *Node
}

// GenerateCredentials 生成一对新的（目的账户，共享密钥）
//
// 经带外渠道交给发送方；发送方用其 Dial 本端。
func (l *Listener) GenerateCredentials() (types.Address, []byte, error) {
	n := l.node
	n.mu.Lock()
	base := n.account.ClientAddress
	n.mu.Unlock()
	return n.generator.Generate(base)
}

// Accept 等待下一条入站连接
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-l.node.acceptCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onAccept 由连接表在新连接建立时调用
func (n *Node) onAccept(conn *connection.Connection) {
	select {
	case n.acceptCh <- conn:
	default:
		logger.Warn("接受队列已满，丢弃连接通知")
	}
}
