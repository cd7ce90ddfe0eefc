package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dep2p/go-interledger/internal/core/condition"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streampacket"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/lib/oer"
	"github.com/dep2p/go-interledger/pkg/types"
)

// moneyAlloc 一个在途包内分配给某流的资金份额
type moneyAlloc struct {
	stream *Stream
	req    *moneyRequest
	amount uint64
}

// dataAlloc 一个在途包内携带的某流数据段
type dataAlloc struct {
	stream *Stream
	rng    dataRange
}

// inFlightPacket 一个在途 Prepare
//
// Fulfill/Reject 通过相关 ID 匹配回来，绝不按到达顺序匹配：
// 多个 Prepare 可以并发在途并乱序完成。
type inFlightPacket struct {
	id        uuid.UUID
	seq       uint64
	amount    uint64
	cond      [32]byte
	allocs    []moneyAlloc
	data      []dataAlloc
	frames    []streampacket.Frame
	handshake bool
	closeConn bool
}

// trySend 在预算允许的范围内组装并发出尽可能多的报文
//
// 仅由 loop goroutine 调用。
func (c *Connection) trySend() {
	for len(c.inFlight) < c.cfg.Connection.MaxInFlight {
		if c.destination == "" {
			// 尚未得知对端地址（被动方未收到 ConnectionNewAddress）
			return
		}
		if c.closeSent {
			return
		}
		out := c.buildPacket()
		if out == nil {
			return
		}
		c.dispatch(out)
	}
}

// buildPacket 将各流的待发送工作汇集为一个出站 STREAM 报文
//
// 返回 nil 表示当前没有可发送的工作。
func (c *Connection) buildPacket() *inFlightPacket {
	var frames []streampacket.Frame
	out := &inFlightPacket{id: uuid.New()}

	if c.handshakePending {
		if c.sourceAccount != "" {
			frames = append(frames, &streampacket.ConnectionNewAddressFrame{SourceAccount: c.sourceAccount})
		}
		if c.assetCode != "" {
			frames = append(frames, &streampacket.ConnectionAssetDetailsFrame{
				SourceAssetCode:  c.assetCode,
				SourceAssetScale: c.assetScale,
			})
		}
		out.handshake = true
		c.handshakePending = false
	}

	// 连接级接收窗口通告
	if adv := c.dataReceived + c.cfg.Connection.ConnRecvWindowSize; adv > c.advConnMaxData {
		frames = append(frames, &streampacket.ConnectionMaxDataFrame{MaxOffset: adv})
		c.advConnMaxData = adv
	}

	moneyBudget := c.congestion.MaxPacketAmount()
	dataBudget := c.cfg.Connection.MaxFrameDataSize

	for _, s := range c.snapshotStreams() {
		frames = c.collectStreamFrames(s, out, frames, &moneyBudget, &dataBudget)
	}

	// ConnectionClose 同一时刻只保持一份在途
	if c.closeRequested && !c.closeInFlight {
		frames = append(frames, &streampacket.ConnectionCloseFrame{
			Code:    streampacket.ErrCodeNoError,
			Message: "",
		})
		out.closeConn = true
		c.closeInFlight = true
	}

	if len(frames) == 0 && out.amount == 0 {
		return nil
	}
	c.buildFrames(out, frames)
	return out
}

// collectStreamFrames 收集单条流的出站帧
func (c *Connection) collectStreamFrames(s *Stream, out *inFlightPacket, frames []streampacket.Frame, moneyBudget *uint64, dataBudget *int) []streampacket.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StreamClosed {
		return frames
	}

	// 接收侧通告（窗口推进或 receiveMax 变化时）
	if s.state != StreamIdle {
		if adv := s.readOffset + s.recvWindow; adv > s.advMaxData {
			frames = append(frames, &streampacket.StreamMaxDataFrame{StreamID: s.id, MaxOffset: adv})
			s.advMaxData = adv
		}
		if s.receiveMax > s.advReceiveMax {
			frames = append(frames, &streampacket.StreamMaxMoneyFrame{
				StreamID:      s.id,
				ReceiveMax:    s.receiveMax,
				TotalReceived: s.totalReceived,
			})
			s.advReceiveMax = s.receiveMax
		}
	}

	// 资金：从队首请求分配份额，受拥塞预算与对端流级上限约束
	moneyWindow := ^uint64(0)
	if s.remoteReceiveMax != ^uint64(0) {
		if s.totalSent >= s.remoteReceiveMax {
			moneyWindow = 0
		} else {
			moneyWindow = s.remoteReceiveMax - s.totalSent
		}
	}
	var streamMoney uint64
	moneyBlocked := false
	for _, req := range s.moneyQueue {
		if *moneyBudget == 0 {
			break
		}
		if moneyWindow == 0 {
			if req.remaining > 0 {
				moneyBlocked = true
			}
			break
		}
		take := req.remaining
		if take > *moneyBudget {
			take = *moneyBudget
		}
		if take > moneyWindow {
			take = moneyWindow
		}
		if take == 0 {
			continue
		}
		moneyWindow -= take
		req.remaining -= take
		req.inFlight += take
		*moneyBudget -= take
		streamMoney += take
		out.allocs = append(out.allocs, moneyAlloc{stream: s, req: req, amount: take})
	}
	if streamMoney > 0 {
		out.amount += streamMoney
		s.totalSent += streamMoney
		frames = append(frames, &streampacket.StreamMoneyFrame{StreamID: s.id, Shares: streamMoney})
	}
	if moneyBlocked {
		frames = append(frames, &streampacket.StreamMoneyBlockedFrame{
			StreamID:  s.id,
			SendMax:   s.remoteReceiveMax,
			TotalSent: s.totalSent,
		})
	}

	// 数据：受流级与连接级窗口约束
	blockedByStream, blockedByConn := false, false
	for len(s.sendQueue) > 0 && *dataBudget > 0 {
		rng := s.sendQueue[0]
		end := rng.offset + uint64(len(rng.data))
		if end > s.remoteMaxData {
			blockedByStream = true
			break
		}
		if rng.retries == 0 && c.dataSent+uint64(len(rng.data)) > c.remoteMaxData {
			blockedByConn = true
			break
		}
		if len(rng.data) > *dataBudget {
			// 拆出预算内的前缀
			head := dataRange{offset: rng.offset, data: rng.data[:*dataBudget], retries: rng.retries}
			s.sendQueue[0] = dataRange{offset: rng.offset + uint64(*dataBudget), data: rng.data[*dataBudget:], retries: rng.retries}
			rng = head
		} else {
			s.sendQueue = s.sendQueue[1:]
		}
		if rng.retries == 0 {
			c.dataSent += uint64(len(rng.data))
		}
		*dataBudget -= len(rng.data)
		out.data = append(out.data, dataAlloc{stream: s, rng: rng})
		frames = append(frames, &streampacket.StreamDataFrame{StreamID: s.id, Offset: rng.offset, Data: rng.data})
	}
	if blockedByStream {
		frames = append(frames, &streampacket.StreamDataBlockedFrame{StreamID: s.id, MaxOffset: s.remoteMaxData})
	}
	if blockedByConn {
		frames = append(frames, &streampacket.ConnectionDataBlockedFrame{MaxOffset: c.remoteMaxData})
	}

	// 本端关闭：缓冲数据全部送出后才携带 StreamClose 并迁移状态
	if s.closePending && len(s.sendQueue) == 0 && len(s.moneyQueue) == 0 {
		frames = append(frames, &streampacket.StreamCloseFrame{
			StreamID: s.id,
			Code:     streampacket.ErrCodeNoError,
			Message:  "",
		})
		s.closePending = false
		s.closeLocalLocked()
	}
	return frames
}

// buildFrames 完成包序号分配
func (c *Connection) buildFrames(out *inFlightPacket, frames []streampacket.Frame) {
	out.seq = c.nextSeq
	c.nextSeq++
	out.frames = frames
}

// dispatch 加密、登记并异步发出一个报文
func (c *Connection) dispatch(out *inFlightPacket) {
	streamPkt := &streampacket.Packet{
		Sequence:      out.seq,
		PacketType:    uint8(packet.TypePrepare),
		PrepareAmount: out.amount,
		Frames:        out.frames,
	}
	data, err := streamPkt.Encode(c.keys)
	if err != nil {
		logger.Error("加密出站报文失败", "error", err)
		c.settleFailure(out, fmt.Errorf("encrypt: %w", err), false)
		return
	}
	fulfillment := c.keys.Fulfillment(data)
	out.cond = condition.FromFulfillment(fulfillment)

	prepare := &packet.Prepare{
		Destination:        c.destination,
		Amount:             out.amount,
		ExpiresAt:          c.clock.Now().Add(c.cfg.Connection.PacketTimeout),
		ExecutionCondition: out.cond,
		Data:               data,
	}
	c.inFlight[out.id] = out

	logger.Debug("发出报文",
		"id", log.TruncateID(out.id.String(), 8),
		"seq", out.seq,
		"amount", out.amount,
		"frames", len(out.frames))

	go c.sendInFlight(out.id, prepare)
}

// sendInFlight 在独立 goroutine 中发送并等待结果
//
// 每个在途包有自己的过期时间；到期只取消这一个包。
func (c *Connection) sendInFlight(id uuid.UUID, prepare *packet.Prepare) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expiry := c.clock.Timer(c.cfg.Connection.PacketTimeout)
	defer expiry.Stop()
	expired := make(chan struct{})
	go func() {
		select {
		case <-expiry.C:
			close(expired)
			cancel()
		case <-ctx.Done():
		case <-c.doneCh:
			cancel()
		}
	}()

	response, err := c.link.SendPrepare(ctx, prepare)
	select {
	case <-expired:
		err = context.DeadlineExceeded
		response = nil
	default:
	}

	select {
	case c.resultCh <- &sendResult{id: id, response: response, err: err}:
	case <-c.doneCh:
	}
}

// ============================================================================
//                              结果处理
// ============================================================================

// handleResult 将 Fulfill/Reject/超时结果记回对应的在途包
func (c *Connection) handleResult(res *sendResult) {
	out, ok := c.inFlight[res.id]
	if !ok {
		// 连接关闭竞态下的迟到结果
		return
	}
	delete(c.inFlight, res.id)

	switch {
	case res.err != nil:
		// 超时或本地错误：丢包信号
		logger.Debug("在途报文超时/失败",
			"id", log.TruncateID(res.id.String(), 8), "error", res.err)
		c.congestion.OnTimeout()
		c.settleFailure(out, res.err, true)

	case res.response == nil:
		c.congestion.OnTimeout()
		c.settleFailure(out, errors.New("link returned no response"), true)

	default:
		switch resp := res.response.(type) {
		case *packet.Fulfill:
			c.handleFulfill(out, resp)
		case *packet.Reject:
			c.handleReject(out, resp)
		default:
			c.settleFailure(out, fmt.Errorf("link returned %s", res.response.Type()), true)
		}
	}
	c.wake()
}

// handleFulfill 成功路径
func (c *Connection) handleFulfill(out *inFlightPacket, f *packet.Fulfill) {
	if !condition.Verify(out.cond, f.Fulfillment) {
		// 无效的 fulfillment：敌对中间节点或实现缺陷
		logger.Warn("Fulfill 的履约值与条件不符",
			"id", log.TruncateID(out.id.String(), 8))
		c.violations++
		c.settleFailure(out, errors.New("invalid fulfillment"), true)
		return
	}

	c.congestion.OnFulfill()

	// 资金与数据确认
	now := c.clock.Now()
	for _, alloc := range out.allocs {
		alloc.stream.mu.Lock()
		alloc.req.inFlight -= alloc.amount
		alloc.req.delivered += alloc.amount
		if alloc.req.remaining == 0 && alloc.req.inFlight == 0 && alloc.req.err == nil {
			alloc.stream.removeMoneyRequestLocked(alloc.req)
			close(alloc.req.done)
		}
		alloc.stream.notifyLocked()
		alloc.stream.mu.Unlock()

		c.stats.Record(types.StreamStat{
			Time:      now,
			StreamID:  alloc.stream.id,
			Amount:    alloc.amount,
			Direction: types.DirOutgoing,
		})
	}
	for _, d := range out.data {
		d.stream.mu.Lock()
		d.stream.sendBuffered -= len(d.rng.data)
		d.stream.ackedBytes += uint64(len(d.rng.data))
		d.stream.notifyLocked()
		d.stream.mu.Unlock()
	}
	if out.closeConn {
		c.closeInFlight = false
		c.closeSent = true
	}

	// Fulfill 可携带对端的应答 STREAM 报文（窗口通告等）
	if len(f.Data) > 0 {
		c.applyReply(out, uint8(packet.TypeFulfill), f.Data)
	}
}

// handleReject 失败路径：区分拥塞信号、可重试与致命错误
func (c *Connection) handleReject(out *inFlightPacket, r *packet.Reject) {
	logger.Debug("报文被拒绝",
		"id", log.TruncateID(out.id.String(), 8),
		"code", r.Code.String(),
		"from", r.TriggeredBy.String())

	switch {
	case r.Code == types.CodeF08AmountTooLarge:
		// 拥塞信号：向通告的最大值收敛
		c.congestion.OnAmountTooLarge(c.advertisedMax(out.amount, r.Data))
		c.settleFailure(out, nil, true)

	case r.Code.Retryable():
		c.settleFailure(out, nil, true)

	default:
		// F/R 类：对这次请求致命
		if len(r.Data) > 0 {
			c.applyReply(out, uint8(packet.TypeReject), r.Data)
		}
		c.settleFailure(out, fmt.Errorf("%w: %s %s", ErrSendFailed, r.Code.String(), r.Message), false)
	}
}

// advertisedMax 解析 F08 数据中的（收到金额，最大金额）对，
// 折算为本端视角的最大安全单包金额；不可解析时返回 0
func (c *Connection) advertisedMax(sentAmount uint64, data []byte) uint64 {
	r := oer.NewReader(data)
	received, err := r.ReadUint64()
	if err != nil {
		return 0
	}
	max, err := r.ReadUint64()
	if err != nil || received == 0 {
		return 0
	}
	// 按本包金额与途中被缩放后的金额等比折算
	scaled := sentAmount * max / received
	if scaled == 0 {
		scaled = 1
	}
	return scaled
}

// settleFailure 把一个失败在途包的资金/数据放回待发送队列
//
// retryable 为 false 或重试预算耗尽时，向调用方宣告致命错误。
func (c *Connection) settleFailure(out *inFlightPacket, err error, retryable bool) {
	fatal := err
	if fatal == nil {
		fatal = ErrSendFailed
	}
	for _, alloc := range out.allocs {
		s := alloc.stream
		s.mu.Lock()
		alloc.req.inFlight -= alloc.amount
		alloc.req.retries++
		if retryable && alloc.req.retries <= c.cfg.Connection.MaxRetries && alloc.req.err == nil {
			alloc.req.remaining += alloc.amount
			s.totalSent -= alloc.amount
		} else {
			if alloc.req.err == nil {
				alloc.req.err = fmt.Errorf("%w: %v", ErrSendFailed, fatal)
			}
			if alloc.req.inFlight == 0 {
				s.removeMoneyRequestLocked(alloc.req)
				select {
				case <-alloc.req.done:
				default:
					close(alloc.req.done)
				}
			}
		}
		s.notifyLocked()
		s.mu.Unlock()
	}
	for _, d := range out.data {
		s := d.stream
		s.mu.Lock()
		rng := d.rng
		rng.retries++
		if retryable && rng.retries <= c.cfg.Connection.MaxRetries {
			s.requeueDataLocked(rng)
		} else {
			s.mu.Unlock()
			s.fail(fmt.Errorf("%w: %v", ErrSendFailed, fatal))
			continue
		}
		s.mu.Unlock()
	}
	if out.handshake {
		c.handshakePending = true
	}
	if out.closeConn {
		c.closeInFlight = false
		c.closeAttempts++
		if !retryable || c.closeAttempts > c.cfg.Connection.MaxRetries {
			// 对端不应答或拒绝：放弃通知，按已送出处理
			c.closeSent = true
		}
	}
}

// rejectPacket 构造一个 Reject 报文
func rejectPacket(code types.ErrorCode, triggeredBy types.Address, message string) *packet.Reject {
	return &packet.Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     message,
	}
}
