package connection

import (
	"errors"
	"math/bits"

	"github.com/dep2p/go-interledger/internal/core/condition"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streampacket"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/types"
)

// receivePacket 处理一个入站 Prepare，返回 Fulfill 或 Reject
//
// 仅由 loop goroutine 调用。解析/认证失败在本层转换为 Reject，
// 绝不向应用层抛出。
func (c *Connection) receivePacket(prepare *packet.Prepare) packet.Packet {
	if !prepare.ExpiresAt.After(c.clock.Now()) {
		return rejectPacket(types.CodeR00TransferTimedOut, c.sourceAccount, "packet expired")
	}

	pkt, err := streampacket.Decode(c.keys, prepare.Data)
	if err != nil {
		if errors.Is(err, streampacket.ErrAuthenticationFailed) {
			// 敌对或损坏的报文：丢弃内容，拒绝上游
			logger.Warn("入站报文认证失败")
			return rejectPacket(types.CodeF06UnexpectedPayment, c.sourceAccount, "unable to decrypt packet")
		}
		logger.Warn("入站报文帧解析失败", "error", err)
		return rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "malformed stream packet")
	}

	if pkt.PacketType != uint8(packet.TypePrepare) {
		c.recordViolation("unexpected packet type in prepare")
		return rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "unexpected packet type")
	}

	// 每方向序号严格递增；重放即拒绝
	if pkt.Sequence <= c.lastRecvSeq {
		c.recordViolation("sequence replay")
		return rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "sequence replay")
	}
	c.lastRecvSeq = pkt.Sequence

	// 先整包校验，再应用副作用：被拒绝的报文不留下任何状态变化
	touched, allocs, reject := c.validateIncoming(pkt, prepare.Amount)
	if reject != nil {
		return reject
	}

	fulfillment := c.keys.Fulfillment(prepare.Data)
	fulfillable := condition.Verify(prepare.ExecutionCondition, fulfillment)
	if !fulfillable {
		// 不可兑现的包照常应用帧，但资金不入账
		for i := range allocs {
			allocs[i] = 0
		}
	}

	if !c.applyIncoming(pkt, allocs) {
		return rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "exceeded stream receive max")
	}

	replyFrames := c.replyAdvertisements(touched)

	if !fulfillable {
		reply := &streampacket.Packet{
			Sequence:      pkt.Sequence,
			PacketType:    uint8(packet.TypeReject),
			PrepareAmount: prepare.Amount,
			Frames:        replyFrames,
		}
		data, err := reply.Encode(c.keys)
		if err != nil {
			data = nil
		}
		rej := rejectPacket(types.CodeF05WrongCondition, c.sourceAccount, "condition does not match")
		rej.Data = data
		return rej
	}

	c.recordIncomingMoney(pkt, allocs)

	reply := &streampacket.Packet{
		Sequence:      pkt.Sequence,
		PacketType:    uint8(packet.TypeFulfill),
		PrepareAmount: prepare.Amount,
		Frames:        replyFrames,
	}
	data, err := reply.Encode(c.keys)
	if err != nil {
		logger.Error("加密应答失败", "error", err)
		data = nil
	}
	return &packet.Fulfill{Fulfillment: fulfillment, Data: data}
}

// recordViolation 记录协议违规；累计超限后拆除连接
func (c *Connection) recordViolation(reason string) {
	c.violations++
	logger.Warn("协议违规", "reason", reason, "count", c.violations)
	if c.violations >= violationTeardownThreshold {
		logger.Warn("违规次数超限，拆除连接")
		if c.finalErr == nil {
			c.finalErr = errors.New("connection: repeated protocol violations")
		}
		c.remoteClosed = true
	}
}

// validateIncoming 校验入站报文的全部帧
//
// 返回本包触及的流 ID 集合；校验失败时返回应答的 Reject。
func (c *Connection) validateIncoming(pkt *streampacket.Packet, amount uint64) ([]uint64, []uint64, packet.Packet) {
	var touched []uint64
	seen := make(map[uint64]bool)
	totalShares := uint64(0)
	moneyFrames := 0
	lastMoney := -1

	touch := func(id uint64) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}

	// 对端开启的流的奇偶性与本端相反
	remoteParity := uint64(1)
	if !c.isServer {
		remoteParity = 0
	}

	streamOK := func(id uint64) bool {
		if c.getStream(id) != nil {
			return true
		}
		return id != 0 && id <= c.localMaxStream && id%2 == remoteParity
	}

	for i, f := range pkt.Frames {
		switch frame := f.(type) {
		case *streampacket.StreamMoneyFrame:
			if !streamOK(frame.StreamID) {
				c.recordViolation("money frame on invalid stream id")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "invalid stream id")
			}
			// 份额求和溢出回绕会扭曲后续除法
			if totalShares+frame.Shares < totalShares {
				c.recordViolation("money shares overflow")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "invalid money shares")
			}
			totalShares += frame.Shares
			moneyFrames++
			lastMoney = i
			touch(frame.StreamID)

		case *streampacket.StreamDataFrame:
			if !streamOK(frame.StreamID) {
				c.recordViolation("data frame on invalid stream id")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "invalid stream id")
			}
			end := frame.Offset + uint64(len(frame.Data))
			if end < frame.Offset {
				c.recordViolation("data offset overflow")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "flow control violation")
			}
			// 连接级接收窗口
			if end > c.advConnMaxData && c.advConnMaxData > 0 {
				c.recordViolation("connection flow control overrun")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "flow control violation")
			}
			// 流级接收窗口；尚未建立的流按初始窗口校验
			if s := c.getStream(frame.StreamID); s != nil {
				s.mu.Lock()
				overrun := end > s.readOffset+s.recvWindow
				s.mu.Unlock()
				if overrun {
					c.recordViolation("stream flow control overrun")
					return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "flow control violation")
				}
			} else if end > c.cfg.Connection.RecvWindowSize {
				c.recordViolation("stream flow control overrun")
				return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "flow control violation")
			}
			touch(frame.StreamID)

		case *streampacket.StreamCloseFrame:
			touch(frame.StreamID)
		case *streampacket.StreamMaxDataFrame:
			touch(frame.StreamID)
		case *streampacket.StreamMaxMoneyFrame:
			touch(frame.StreamID)
		case *streampacket.StreamMoneyBlockedFrame:
			touch(frame.StreamID)
		case *streampacket.StreamDataBlockedFrame:
			touch(frame.StreamID)
		}
	}

	// 总份额为零无法定义分配比例
	if moneyFrames > 0 && totalShares == 0 {
		c.recordViolation("zero money shares")
		return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "invalid money shares")
	}

	// 预演资金分配：每帧 amount*shares/totalShares（128 位中间值），
	// 整除余数记入最后一个资金帧，保证总额不丢失
	allocs := make([]uint64, len(pkt.Frames))
	if moneyFrames > 0 {
		remaining := amount
		streamAlloc := make(map[uint64]uint64)
		for i, f := range pkt.Frames {
			m, ok := f.(*streampacket.StreamMoneyFrame)
			if !ok {
				continue
			}
			alloc := remaining
			if i != lastMoney {
				hi, lo := bits.Mul64(amount, m.Shares)
				alloc, _ = bits.Div64(hi, lo, totalShares)
			}
			remaining -= alloc
			allocs[i] = alloc
			streamAlloc[m.StreamID] += alloc
		}
		for id, alloc := range streamAlloc {
			if s := c.getStream(id); s != nil {
				s.mu.Lock()
				over := s.totalReceived+alloc > s.receiveMax
				s.mu.Unlock()
				if over {
					return nil, nil, rejectPacket(types.CodeF99ApplicationError, c.sourceAccount, "exceeded stream receive max")
				}
			}
		}
	}
	return touched, allocs, nil
}

// applyIncoming 按编码顺序应用入站帧
//
// allocs 是 validateIncoming 预演的每帧入账金额。资金先行入账；
// 应用侧在校验与入账之间调低 receiveMax 的竞态下某笔被拒时，
// 整包回退并返回 false，调用方以 Reject 应答。
func (c *Connection) applyIncoming(pkt *streampacket.Packet, allocs []uint64) bool {
	type credit struct {
		s      *Stream
		amount uint64
	}
	var credited []credit
	for i, f := range pkt.Frames {
		m, ok := f.(*streampacket.StreamMoneyFrame)
		if !ok {
			continue
		}
		s := c.streamFor(m.StreamID)
		if s == nil {
			continue
		}
		if !s.deliverMoney(allocs[i]) {
			for _, cr := range credited {
				cr.s.revertMoney(cr.amount)
			}
			return false
		}
		if allocs[i] > 0 {
			credited = append(credited, credit{s, allocs[i]})
		}
	}

	for _, f := range pkt.Frames {
		switch frame := f.(type) {
		case *streampacket.ConnectionNewAddressFrame:
			logger.Debug("对端通告新地址", "address", frame.SourceAccount.String())
			c.destination = frame.SourceAccount

		case *streampacket.ConnectionAssetDetailsFrame:
			logger.Debug("对端通告资产信息",
				"assetCode", frame.SourceAssetCode, "assetScale", frame.SourceAssetScale)

		case *streampacket.ConnectionMaxDataFrame:
			if frame.MaxOffset > c.remoteMaxData {
				c.remoteMaxData = frame.MaxOffset
			}

		case *streampacket.ConnectionMaxStreamIDFrame:
			if frame.MaxStreamID > c.remoteMaxStream {
				c.remoteMaxStream = frame.MaxStreamID
			}

		case *streampacket.ConnectionDataBlockedFrame, *streampacket.ConnectionStreamIDBlockedFrame:
			// 对端被阻塞的提示；窗口在下一个出站包中通告

		case *streampacket.ConnectionCloseFrame:
			logger.Info("对端关闭连接", "code", frame.Code, "message", frame.Message)
			c.remoteClosed = true

		case *streampacket.StreamMoneyFrame:
			// 已在资金阶段入账

		case *streampacket.StreamDataFrame:
			s := c.streamFor(frame.StreamID)
			if s == nil {
				continue
			}
			accepted, _ := s.deliverData(frame.Offset, frame.Data)
			c.dataReceived += uint64(accepted)

		case *streampacket.StreamCloseFrame:
			if s := c.getStream(frame.StreamID); s != nil {
				s.mu.Lock()
				s.closeRemoteLocked()
				s.mu.Unlock()
			}

		case *streampacket.StreamMaxDataFrame:
			if s := c.streamFor(frame.StreamID); s != nil {
				s.mu.Lock()
				if frame.MaxOffset > s.remoteMaxData {
					s.remoteMaxData = frame.MaxOffset
					s.notifyLocked()
				}
				s.mu.Unlock()
			}

		case *streampacket.StreamMaxMoneyFrame:
			if s := c.streamFor(frame.StreamID); s != nil {
				s.mu.Lock()
				if frame.ReceiveMax > s.remoteReceiveMax || s.remoteReceiveMax == ^uint64(0) {
					s.remoteReceiveMax = frame.ReceiveMax
				}
				s.mu.Unlock()
			}

		case *streampacket.StreamMoneyBlockedFrame, *streampacket.StreamDataBlockedFrame:
			// 对端被阻塞的提示；窗口在应答中通告
		}
	}
	return true
}

// streamFor 查找或按需建立对端开启的流
func (c *Connection) streamFor(id uint64) *Stream {
	if s := c.getStream(id); s != nil {
		return s
	}
	return c.openRemoteStream(id)
}

// replyAdvertisements 构造应答中的窗口通告帧
func (c *Connection) replyAdvertisements(touched []uint64) []streampacket.Frame {
	var frames []streampacket.Frame
	if adv := c.dataReceived + c.cfg.Connection.ConnRecvWindowSize; adv > c.advConnMaxData {
		c.advConnMaxData = adv
	}
	frames = append(frames, &streampacket.ConnectionMaxDataFrame{MaxOffset: c.advConnMaxData})
	for _, id := range touched {
		s := c.getStream(id)
		if s == nil {
			continue
		}
		maxData, receiveMax, totalReceived := s.recvAdvertisement()
		frames = append(frames,
			&streampacket.StreamMaxDataFrame{StreamID: id, MaxOffset: maxData},
			&streampacket.StreamMaxMoneyFrame{StreamID: id, ReceiveMax: receiveMax, TotalReceived: totalReceived},
		)
		s.mu.Lock()
		if maxData > s.advMaxData {
			s.advMaxData = maxData
		}
		if receiveMax > s.advReceiveMax {
			s.advReceiveMax = receiveMax
		}
		s.mu.Unlock()
	}
	return frames
}

// recordIncomingMoney 入账统计
func (c *Connection) recordIncomingMoney(pkt *streampacket.Packet, allocs []uint64) {
	now := c.clock.Now()
	for i, f := range pkt.Frames {
		m, ok := f.(*streampacket.StreamMoneyFrame)
		if !ok || allocs[i] == 0 {
			continue
		}
		c.stats.Record(types.StreamStat{
			Time:      now,
			StreamID:  m.StreamID,
			Amount:    allocs[i],
			Direction: types.DirIncoming,
		})
	}
}

// ============================================================================
//                              应答解析（发送侧）
// ============================================================================

// applyReply 解析 Fulfill/Reject 携带的应答 STREAM 报文
//
// 应答报文的序号必须与原包一致，防止应答被移花接木到别的包上。
func (c *Connection) applyReply(out *inFlightPacket, wantType uint8, data []byte) {
	reply, err := streampacket.Decode(c.keys, data)
	if err != nil {
		// 无法解析的应答直接忽略：可能由不持有密钥的中间节点生成
		logger.Debug("应答报文解析失败", "error", err)
		return
	}
	if reply.PacketType != wantType {
		logger.Debug("应答报文类型不符", "got", reply.PacketType, "want", wantType)
		return
	}
	if reply.Sequence != out.seq {
		c.recordViolation("reply sequence mismatch")
		logger.Warn("应答序号与原包不符",
			"id", log.TruncateID(out.id.String(), 8),
			"got", reply.Sequence, "want", out.seq)
		return
	}

	for _, f := range reply.Frames {
		switch frame := f.(type) {
		case *streampacket.ConnectionMaxDataFrame:
			if frame.MaxOffset > c.remoteMaxData {
				c.remoteMaxData = frame.MaxOffset
			}
		case *streampacket.ConnectionMaxStreamIDFrame:
			if frame.MaxStreamID > c.remoteMaxStream {
				c.remoteMaxStream = frame.MaxStreamID
			}
		case *streampacket.ConnectionCloseFrame:
			logger.Info("对端在应答中关闭连接", "code", frame.Code)
			c.remoteClosed = true
		case *streampacket.StreamMaxDataFrame:
			if s := c.getStream(frame.StreamID); s != nil {
				s.mu.Lock()
				if frame.MaxOffset > s.remoteMaxData {
					s.remoteMaxData = frame.MaxOffset
					s.notifyLocked()
				}
				s.mu.Unlock()
			}
		case *streampacket.StreamMaxMoneyFrame:
			if s := c.getStream(frame.StreamID); s != nil {
				s.mu.Lock()
				s.remoteReceiveMax = frame.ReceiveMax
				s.notifyLocked()
				s.mu.Unlock()
			}
		case *streampacket.StreamCloseFrame:
			if s := c.getStream(frame.StreamID); s != nil {
				s.mu.Lock()
				s.closeRemoteLocked()
				s.mu.Unlock()
			}
		case *streampacket.StreamDataFrame:
			// 对端在应答中回传数据（双向流）
			if s := c.streamFor(frame.StreamID); s != nil {
				accepted, _ := s.deliverData(frame.Offset, frame.Data)
				c.dataReceived += uint64(accepted)
			}
		}
	}
}
