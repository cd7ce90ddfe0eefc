package connection

import (
	"context"
	"sort"
	"sync"
)

// StreamState 流状态
type StreamState uint8

const (
	// StreamIdle 已分配 ID 但尚未承载任何帧
	StreamIdle StreamState = iota
	// StreamOpen 双向打开
	StreamOpen
	// StreamHalfClosedLocal 本端已关闭发送方向
	StreamHalfClosedLocal
	// StreamHalfClosedRemote 对端已关闭发送方向
	StreamHalfClosedRemote
	// StreamClosed 双向关闭，资源已释放
	StreamClosed
)

// String 返回状态名称
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "Idle"
	case StreamOpen:
		return "Open"
	case StreamHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// moneyRequest 一次 SendMoney 调用
type moneyRequest struct {
	remaining uint64 // 尚未分配进任何在途包的金额
	inFlight  uint64 // 已分配、等待结果的金额
	delivered uint64 // 已确认到账的金额
	retries   int    // 已消耗的重试次数
	err       error  // 终态错误（nil 表示尚未结束或成功）
	done      chan struct{}
}

// dataRange 一段待发送或在途的流数据
type dataRange struct {
	offset  uint64
	data    []byte
	retries int
}

// recvSegment 接收侧按偏移暂存的数据段
type recvSegment struct {
	offset uint64
	data   []byte
}

// Stream 一条逻辑流，提供双工的数据/资金接口
//
// 流 ID 的奇偶性标识开启方（拨号方用奇数，被动方用偶数），
// 避免两端分配的 ID 冲突。
type Stream struct {
	conn *Connection
	id   uint64

	mu    sync.Mutex
	state StreamState

	// 发送方向（数据）
	sendOffset    uint64      // 下一个新字节的偏移
	sendQueue     []dataRange // 待发送（含重试回插）的数据段
	sendBuffered  int         // sendQueue 中的总字节数
	ackedBytes    uint64      // 已确认送达的字节数
	remoteMaxData uint64      // 对端通告的流级接收上限（偏移）

	// 发送方向（资金）
	moneyQueue       []*moneyRequest
	totalSent        uint64
	remoteReceiveMax uint64 // 对端通告的流级接收上限

	// 接收方向（数据）
	readOffset   uint64        // 应用已读到的偏移
	recvSegments []recvSegment // 乱序暂存段（升序，不重叠）
	recvWindow   uint64        // 本端通告窗口大小
	remoteDone   bool          // 对端已关闭发送方向

	// 接收方向（资金）
	receiveMax    uint64 // 本端愿意接收的总额
	totalReceived uint64 // 已接收总额
	unclaimed     uint64 // 已接收、应用尚未取走的金额

	// 已通告值（避免重复发送通告帧）
	advMaxData    uint64
	advReceiveMax uint64

	// 本端关闭待发送
	closePending bool

	// 终态错误（连接级失败传播到流）
	finalErr error

	// update 广播通道：状态改变时 close 并更换
	update chan struct{}
}

func newStream(conn *Connection, id uint64, recvWindow uint64) *Stream {
	return &Stream{
		conn:             conn,
		id:               id,
		state:            StreamIdle,
		recvWindow:       recvWindow,
		receiveMax:       ^uint64(0),
		remoteReceiveMax: ^uint64(0),
		update:           make(chan struct{}),
	}
}

// ID 返回流 ID
func (s *Stream) ID() uint64 {
	return s.id
}

// State 返回当前状态
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// notifyLocked 广播状态变化（要求持有 s.mu）
func (s *Stream) notifyLocked() {
	close(s.update)
	s.update = make(chan struct{})
}

// waitChan 返回当前的广播通道
func (s *Stream) waitChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update
}

// ============================================================================
//                              发送：资金
// ============================================================================

// SendMoney 在本流上发送 amount 单位资金
//
// 挂起直到全部金额确认送达、重试预算耗尽或 ctx 到期。
// 返回已确认送达的金额；部分送达后失败时返回值仍然有效。
func (s *Stream) SendMoney(ctx context.Context, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	req := &moneyRequest{
		remaining: amount,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.openIfIdleLocked()
	s.moneyQueue = append(s.moneyQueue, req)
	s.mu.Unlock()
	s.conn.wake()

	select {
	case <-req.done:
	case <-ctx.Done():
		s.mu.Lock()
		s.cancelMoneyLocked(req, ctx.Err())
		delivered := req.delivered
		s.mu.Unlock()
		return delivered, ctx.Err()
	}

	s.mu.Lock()
	delivered, err := req.delivered, req.err
	s.mu.Unlock()
	return delivered, err
}

// ReceiveMoney 取走已到账、尚未被应用领取的资金
//
// 无可领取资金时挂起，直到有新资金到账、流结束或 ctx 到期。
func (s *Stream) ReceiveMoney(ctx context.Context) (uint64, error) {
	for {
		s.mu.Lock()
		if s.unclaimed > 0 {
			got := s.unclaimed
			s.unclaimed = 0
			s.mu.Unlock()
			return got, nil
		}
		if s.finalErr != nil {
			err := s.finalErr
			s.mu.Unlock()
			return 0, err
		}
		if s.remoteDone || s.state == StreamClosed || s.state == StreamHalfClosedRemote {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		update := s.update
		s.mu.Unlock()

		select {
		case <-update:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// SetReceiveMax 通告本端愿意在此流上接收的资金总额
//
// 新建流默认不设上限；调低时不会低于已接收总额。
func (s *Stream) SetReceiveMax(max uint64) {
	s.mu.Lock()
	if max < s.totalReceived {
		max = s.totalReceived
	}
	s.receiveMax = max
	s.openIfIdleLocked()
	s.mu.Unlock()
	s.conn.wake()
}

// ============================================================================
//                              发送：数据
// ============================================================================

// Write 发送数据
//
// 缓冲满时挂起等待窗口；返回写入的字节数。
// 数据按偏移恰好一次送达，即便底层 Prepare 发生重试。
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		s.mu.Lock()
		if err := s.sendableLocked(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		s.openIfIdleLocked()

		// 本地缓冲上限：窗口大小，防止无界内存增长
		space := int(s.conn.cfg.Connection.RecvWindowSize) - s.sendBuffered
		if space > 0 {
			n := len(p)
			if n > space {
				n = space
			}
			chunk := make([]byte, n)
			copy(chunk, p[:n])
			s.sendQueue = append(s.sendQueue, dataRange{offset: s.sendOffset, data: chunk})
			s.sendOffset += uint64(n)
			s.sendBuffered += n
			p = p[n:]
			written += n
			s.mu.Unlock()
			s.conn.wake()
			continue
		}
		update := s.update
		s.mu.Unlock()

		select {
		case <-update:
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	return written, nil
}

// Read 读取按序到达的数据
//
// 无数据时挂起；对端关闭且数据读尽后返回 io.EOF 语义的 ErrStreamClosed。
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	for {
		s.mu.Lock()
		n := s.takeContiguousLocked(p)
		if n > 0 {
			s.mu.Unlock()
			s.conn.wake() // 窗口推进，可能需要通告新的 MaxData
			return n, nil
		}
		if s.finalErr != nil {
			err := s.finalErr
			s.mu.Unlock()
			return 0, err
		}
		if s.remoteDone {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		update := s.update
		s.mu.Unlock()

		select {
		case <-update:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// takeContiguousLocked 从接收段中取出 readOffset 起的连续数据
func (s *Stream) takeContiguousLocked(p []byte) int {
	n := 0
	for n < len(p) && len(s.recvSegments) > 0 {
		seg := &s.recvSegments[0]
		if seg.offset > s.readOffset {
			break
		}
		// seg.offset <= readOffset：跳过已读部分
		skip := s.readOffset - seg.offset
		if skip >= uint64(len(seg.data)) {
			s.recvSegments = s.recvSegments[1:]
			continue
		}
		copied := copy(p[n:], seg.data[skip:])
		n += copied
		s.readOffset += uint64(copied)
		if skip+uint64(copied) >= uint64(len(seg.data)) {
			s.recvSegments = s.recvSegments[1:]
		}
	}
	return n
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭本端发送方向
//
// 已排队的数据仍会先行送出，之后携带 StreamClose 帧；对应方向进入
// HalfClosedLocal，两个方向都关闭后流进入 Closed 并释放资源。
// 未完成的资金请求立即以 ErrStreamClosed 终结。
func (s *Stream) Close() error {
	s.mu.Lock()
	switch s.state {
	case StreamClosed, StreamHalfClosedLocal:
		s.mu.Unlock()
		return nil
	}
	s.closePending = true
	s.failPendingMoneyLocked(ErrStreamClosed)
	s.mu.Unlock()
	s.conn.wake()
	return nil
}

// sendableLocked 判断发送方向是否可用
func (s *Stream) sendableLocked() error {
	if s.finalErr != nil {
		return s.finalErr
	}
	switch s.state {
	case StreamClosed, StreamHalfClosedLocal:
		return ErrStreamClosed
	}
	if s.closePending {
		return ErrStreamClosed
	}
	return nil
}

// openIfIdleLocked 首次使用时 Idle → Open
func (s *Stream) openIfIdleLocked() {
	if s.state == StreamIdle {
		s.state = StreamOpen
	}
}

// closeLocalLocked 本端发送方向关闭后的状态迁移
func (s *Stream) closeLocalLocked() {
	switch s.state {
	case StreamOpen, StreamIdle:
		s.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		s.state = StreamClosed
	}
	s.notifyLocked()
}

// closeRemoteLocked 对端发送方向关闭后的状态迁移
func (s *Stream) closeRemoteLocked() {
	s.remoteDone = true
	switch s.state {
	case StreamOpen, StreamIdle:
		s.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		s.state = StreamClosed
	}
	s.notifyLocked()
}

// failPendingMoneyLocked 以 err 终结全部待发送资金请求
func (s *Stream) failPendingMoneyLocked(err error) {
	for _, req := range s.moneyQueue {
		if req.err == nil {
			req.err = err
		}
		select {
		case <-req.done:
		default:
			close(req.done)
		}
	}
	s.moneyQueue = nil
	s.notifyLocked()
}

// failPendingSendsLocked 以 err 终结全部待发送请求并丢弃缓冲数据
func (s *Stream) failPendingSendsLocked(err error) {
	s.failPendingMoneyLocked(err)
	s.sendQueue = nil
	s.sendBuffered = 0
}

// fail 连接级失败传播到流
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.state = StreamClosed
	s.failPendingSendsLocked(err)
	s.mu.Unlock()
}

// removeMoneyRequestLocked 从队列移除一个已终结的资金请求
func (s *Stream) removeMoneyRequestLocked(req *moneyRequest) {
	for i, q := range s.moneyQueue {
		if q == req {
			s.moneyQueue = append(s.moneyQueue[:i], s.moneyQueue[i+1:]...)
			return
		}
	}
}

// requeueDataLocked 把失败的在途数据段按偏移放回发送队列
func (s *Stream) requeueDataLocked(rng dataRange) {
	idx := len(s.sendQueue)
	for i, q := range s.sendQueue {
		if q.offset > rng.offset {
			idx = i
			break
		}
	}
	s.sendQueue = append(s.sendQueue, dataRange{})
	copy(s.sendQueue[idx+1:], s.sendQueue[idx:])
	s.sendQueue[idx] = rng
}

// cancelMoneyLocked 取消一个尚未完成的资金请求
func (s *Stream) cancelMoneyLocked(req *moneyRequest, err error) {
	if req.err == nil {
		req.err = err
	}
	// 未分配部分不再发送；在途部分的结果仍会被记入 delivered
	req.remaining = 0
	for i, q := range s.moneyQueue {
		if q == req {
			s.moneyQueue = append(s.moneyQueue[:i], s.moneyQueue[i+1:]...)
			break
		}
	}
	select {
	case <-req.done:
	default:
		close(req.done)
	}
}

// ============================================================================
//                              接收侧写入（由连接事件循环调用）
// ============================================================================

// deliverData 按偏移写入接收数据，重复范围恰好一次生效
//
// 返回新接纳的字节数；ok 为 false 表示数据越过了本端通告的
// 接收窗口（流控违规）。
func (s *Stream) deliverData(offset uint64, data []byte) (accepted int, ok bool) {
	if len(data) == 0 {
		return 0, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + uint64(len(data))
	if end > s.readOffset+s.recvWindow {
		return 0, false
	}
	if end <= s.readOffset {
		// 完全重复，按偏移去重
		return 0, true
	}
	s.openIfIdleLocked()
	before := s.bufferedRecvLocked()
	s.insertSegmentLocked(offset, data)
	accepted = s.bufferedRecvLocked() - before
	s.notifyLocked()
	return accepted, true
}

// bufferedRecvLocked 接收缓冲中暂存的字节总数
func (s *Stream) bufferedRecvLocked() int {
	n := 0
	for _, seg := range s.recvSegments {
		n += len(seg.data)
	}
	return n
}

// insertSegmentLocked 插入数据段，保持升序且与已有段不重叠
func (s *Stream) insertSegmentLocked(offset uint64, data []byte) {
	// 裁掉已读部分
	if offset < s.readOffset {
		skip := s.readOffset - offset
		if skip >= uint64(len(data)) {
			return
		}
		data = data[skip:]
		offset = s.readOffset
	}

	idx := sort.Search(len(s.recvSegments), func(i int) bool {
		return s.recvSegments[i].offset >= offset
	})

	// 与前一段的重叠：裁掉本段头部
	if idx > 0 {
		prev := s.recvSegments[idx-1]
		prevEnd := prev.offset + uint64(len(prev.data))
		if prevEnd > offset {
			skip := prevEnd - offset
			if skip >= uint64(len(data)) {
				return
			}
			data = data[skip:]
			offset = prevEnd
		}
	}

	// 与后续段的重叠：逐段裁掉本段尾部或吞并
	end := offset + uint64(len(data))
	for idx < len(s.recvSegments) {
		next := s.recvSegments[idx]
		if next.offset >= end {
			break
		}
		nextEnd := next.offset + uint64(len(next.data))
		if nextEnd <= end {
			// 已有段被本段完全覆盖：移除（保留首次到达的数据语义等价，
			// 诚实发送方同一偏移的数据必须一致）
			s.recvSegments = append(s.recvSegments[:idx], s.recvSegments[idx+1:]...)
			continue
		}
		// 部分重叠：裁掉本段尾部
		data = data[:next.offset-offset]
		end = next.offset
		break
	}
	if len(data) == 0 {
		return
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.recvSegments = append(s.recvSegments, recvSegment{})
	copy(s.recvSegments[idx+1:], s.recvSegments[idx:])
	s.recvSegments[idx] = recvSegment{offset: offset, data: stored}
}

// deliverMoney 资金到账
//
// 返回 false 表示超出本端通告的接收上限。
func (s *Stream) deliverMoney(amount uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == 0 {
		return true
	}
	if s.totalReceived+amount > s.receiveMax {
		return false
	}
	s.openIfIdleLocked()
	s.totalReceived += amount
	s.unclaimed += amount
	s.notifyLocked()
	return true
}

// revertMoney 回退同一入站报文内先行入账的资金
func (s *Stream) revertMoney(amount uint64) {
	s.mu.Lock()
	s.totalReceived -= amount
	s.unclaimed -= amount
	s.notifyLocked()
	s.mu.Unlock()
}

// recvAdvertisement 本端应当通告的流级接收参数
func (s *Stream) recvAdvertisement() (maxData uint64, receiveMax uint64, totalReceived uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOffset + s.recvWindow, s.receiveMax, s.totalReceived
}
