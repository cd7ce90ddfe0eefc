package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-interledger/config"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/types"
)

var logger = log.Logger("core/connection")

// violationTeardownThreshold 协议违规累计到该次数后拆除连接
const violationTeardownThreshold = 3

// Params 创建连接所需的依赖与标识
type Params struct {
	// Config 配置（nil 时使用默认值）
	Config *config.Config

	// Link 报文传输协作者
	Link interfaces.Link

	// SharedSecret 32 字节共享密钥，标识并保护这条连接
	SharedSecret []byte

	// DestinationAccount 对端目的账户（拨号方必填；被动方从
	// ConnectionNewAddress 帧学习）
	DestinationAccount types.Address

	// SourceAccount 本端 ILP 地址（可为空）
	SourceAccount types.Address

	// AssetCode / AssetScale 本端资产信息（可为空）
	AssetCode  string
	AssetScale uint8

	// IsServer 被动方为 true；决定本端分配流 ID 的奇偶性
	IsServer bool

	// Clock 时钟（nil 时使用真实时钟；测试注入 mock）
	Clock clock.Clock

	// Stats 统计接收器（nil 时丢弃）
	Stats interfaces.StatsSink
}

// incomingRequest 入站 Prepare 及其应答通道
type incomingRequest struct {
	prepare *packet.Prepare
	reply   chan packet.Packet
}

// sendResult 在途 Prepare 的完成事件
type sendResult struct {
	id       uuid.UUID
	response packet.Packet // Fulfill 或 Reject；nil 表示本地错误/超时
	err      error
}

// Connection 一条 STREAM 连接
//
// 所有连接级可变状态只由 loop goroutine 修改。
type Connection struct {
	cfg   *config.Config
	link  interfaces.Link
	keys  *streamcrypto.Keys
	clock clock.Clock
	stats interfaces.StatsSink

	isServer      bool
	sourceAccount types.Address
	assetCode     string
	assetScale    uint8

	// 以下字段仅 loop goroutine 访问
	destination     types.Address
	nextSeq         uint64
	lastRecvSeq     uint64
	nextStreamID    uint64
	remoteMaxStream uint64
	localMaxStream  uint64
	congestion      *congestionController
	inFlight        map[uuid.UUID]*inFlightPacket
	violations      int

	// 连接级数据流控（仅 loop 访问）
	dataSent       uint64 // 已发送的去重字节总数
	remoteMaxData  uint64 // 对端通告的连接级上限
	dataReceived   uint64 // 已接收的去重字节总数（按流读偏移累计通告）
	advConnMaxData uint64 // 本端最近一次通告的连接级上限

	// 握手/关闭标志（仅 loop 访问）
	handshakePending bool
	closeRequested   bool
	closeInFlight    bool
	closeAttempts    int
	closeSent        bool
	remoteClosed     bool

	// streams 表：loop 与 OpenStream/AcceptStream 共同访问
	streamsMu sync.Mutex
	streams   map[uint64]*Stream

	acceptCh chan *Stream

	wakeCh     chan struct{}
	resultCh   chan *sendResult
	incomingCh chan *incomingRequest
	closeCh    chan struct{} // Close 请求
	doneCh     chan struct{} // loop 退出
	closeOnce  sync.Once
	finalErr   error
}

// 确保实现入站处理器接口
var _ interfaces.PrepareHandler = (*Connection)(nil)

// New 创建连接并启动事件循环
func New(p Params) (*Connection, error) {
	if p.Link == nil {
		return nil, fmt.Errorf("connection: link is required")
	}
	if len(p.SharedSecret) != streamcrypto.SharedSecretSize {
		return nil, fmt.Errorf("connection: shared secret must be %d bytes", streamcrypto.SharedSecretSize)
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	stats := p.Stats
	if stats == nil {
		stats = interfaces.NopStatsSink{}
	}
	firstID := uint64(1)
	if p.IsServer {
		firstID = 2
	}

	c := &Connection{
		cfg:           cfg,
		link:          p.Link,
		keys:          streamcrypto.NewKeys(p.SharedSecret),
		clock:         clk,
		stats:         stats,
		isServer:      p.IsServer,
		sourceAccount: p.SourceAccount,
		assetCode:     p.AssetCode,
		assetScale:    p.AssetScale,

		destination:     p.DestinationAccount,
		nextSeq:         1,
		nextStreamID:    firstID,
		remoteMaxStream: 1 << 31,
		localMaxStream:  1 << 31,
		congestion:      newCongestionController(cfg.Congestion),
		inFlight:        make(map[uuid.UUID]*inFlightPacket),
		remoteMaxData:   cfg.Connection.ConnRecvWindowSize,

		streams:  make(map[uint64]*Stream),
		acceptCh: make(chan *Stream, 64),

		wakeCh:     make(chan struct{}, 1),
		resultCh:   make(chan *sendResult, 16),
		incomingCh: make(chan *incomingRequest),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	// 拨号方在首包携带 NewAddress/AssetDetails
	c.handshakePending = !p.IsServer && (p.SourceAccount != "" || p.AssetCode != "")

	go c.loop()
	return c, nil
}

// wake 唤醒事件循环（非阻塞，可多次合并）
func (c *Connection) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Done 连接结束后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.doneCh
}

// ============================================================================
//                              流管理
// ============================================================================

// OpenStream 打开一条新流
func (c *Connection) OpenStream() (*Stream, error) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	select {
	case <-c.doneCh:
		return nil, ErrConnectionClosed
	default:
	}
	id := c.nextStreamID
	if id > c.remoteMaxStream {
		return nil, ErrStreamLimit
	}
	c.nextStreamID += 2
	s := newStream(c, id, c.cfg.Connection.RecvWindowSize)
	s.remoteMaxData = c.cfg.Connection.RecvWindowSize
	c.streams[id] = s
	return s, nil
}

// AcceptStream 等待对端打开的流
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.acceptCh:
		return s, nil
	case <-c.doneCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// getStream 查找流
func (c *Connection) getStream(id uint64) *Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

// openRemoteStream 为对端打开的流建立状态（由 loop 调用）
//
// 返回 nil 表示 ID 非法（奇偶性错误、零值或超出上限）。
func (c *Connection) openRemoteStream(id uint64) *Stream {
	if id == 0 || id > c.localMaxStream {
		return nil
	}
	// 对端开启的流的奇偶性与本端相反
	remoteParity := uint64(1)
	if !c.isServer {
		remoteParity = 0
	}
	if id%2 != remoteParity {
		return nil
	}
	c.streamsMu.Lock()
	s := newStream(c, id, c.cfg.Connection.RecvWindowSize)
	s.remoteMaxData = c.cfg.Connection.RecvWindowSize
	s.state = StreamOpen
	c.streams[id] = s
	c.streamsMu.Unlock()

	select {
	case c.acceptCh <- s:
	default:
		logger.Warn("接受队列已满，丢弃流通知", "streamID", id)
	}
	return s
}

// snapshotStreams 按 ID 升序返回当前全部流
func (c *Connection) snapshotStreams() []*Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	out := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].id > out[j].id; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ============================================================================
//                              生命周期
// ============================================================================

// Close 优雅关闭连接
//
// 尝试向对端发送 ConnectionClose，在 CloseTimeout 内未完成则就地拆除。
// 所有在途发送被取消，全部流进入 Closed。
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	timeout := c.clock.Timer(c.cfg.Connection.CloseTimeout)
	defer timeout.Stop()
	select {
	case <-c.doneCh:
	case <-timeout.C:
	case <-ctx.Done():
	}
	// 超时或 ctx 到期后仍保证本地拆除
	<-c.doneCh
	return nil
}

// HandlePrepare 处理一个发往本端的 Prepare（实现 interfaces.PrepareHandler）
//
// 由外围服务层在收到入站报文时调用；返回 Fulfill 或 Reject。
func (c *Connection) HandlePrepare(ctx context.Context, prepare *packet.Prepare) packet.Packet {
	req := &incomingRequest{prepare: prepare, reply: make(chan packet.Packet, 1)}
	select {
	case c.incomingCh <- req:
	case <-c.doneCh:
		return rejectPacket(types.CodeT00InternalError, c.sourceAccount, "connection closed")
	case <-ctx.Done():
		return rejectPacket(types.CodeT00InternalError, c.sourceAccount, "handler cancelled")
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-c.doneCh:
		return rejectPacket(types.CodeT00InternalError, c.sourceAccount, "connection closed")
	case <-ctx.Done():
		return rejectPacket(types.CodeT00InternalError, c.sourceAccount, "handler cancelled")
	}
}

// loop 连接事件循环
//
// 独占全部连接级计数器；流通过通道与它交互。
func (c *Connection) loop() {
	idle := c.clock.Timer(c.cfg.Connection.IdleTimeout)
	defer idle.Stop()

	// 优雅关闭的最后期限；对端不应答也在此之后就地拆除
	closeCh := c.closeCh
	var closeDeadline <-chan time.Time

	defer c.teardown()
	for {
		c.trySend()

		if c.closeSent && len(c.inFlight) == 0 {
			// ConnectionClose 已送出（或已放弃），完成关闭
			return
		}
		if c.remoteClosed && len(c.inFlight) == 0 {
			return
		}

		select {
		case <-c.wakeCh:
			idle.Reset(c.cfg.Connection.IdleTimeout)
		case res := <-c.resultCh:
			idle.Reset(c.cfg.Connection.IdleTimeout)
			c.handleResult(res)
		case in := <-c.incomingCh:
			idle.Reset(c.cfg.Connection.IdleTimeout)
			in.reply <- c.receivePacket(in.prepare)
		case <-closeCh:
			closeCh = nil
			c.closeRequested = true
			deadline := c.clock.Timer(c.cfg.Connection.CloseTimeout)
			defer deadline.Stop()
			closeDeadline = deadline.C
			logger.Debug("开始优雅关闭")
		case <-closeDeadline:
			logger.Info("优雅关闭超时，就地拆除")
			return
		case <-idle.C:
			logger.Info("连接空闲超时，拆除")
			return
		}
	}
}

// teardown 本地拆除：取消在途发送、终结全部流
func (c *Connection) teardown() {
	err := c.finalErr
	if err == nil {
		err = ErrConnectionClosed
	}
	c.streamsMu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint64]*Stream)
	c.streamsMu.Unlock()

	for _, s := range streams {
		s.fail(err)
	}
	close(c.doneCh)
	logger.Debug("连接已拆除", "streams", len(streams))
}
