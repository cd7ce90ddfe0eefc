// Package connection 实现 STREAM 的连接/流状态机
//
// 一条连接由带外协商的共享密钥标识，在其上多路复用多条逻辑流。
// 连接级计数器（流控窗口、拥塞估计、序号）只由连接自己的事件循环
// goroutine 修改；流通过请求队列把发送/接收诉求提交给事件循环，
// 连接内部因此无需细粒度加锁。不同连接之间完全独立。
package connection

import (
	"github.com/dep2p/go-interledger/config"
)

// ============================================================================
//                              拥塞控制器
// ============================================================================

// congestionController 探测路径允许的最大单包金额
//
// 从保守的初始金额开始：
//   - Fulfill：乘性增长（封顶 MaxAmount）
//   - 金额过大的 Reject：若对端通告了最大值则按比例收敛过去，否则减半
//   - 超时：视为丢包信号，减半
//
// 估计值下限为 1，保证探测永远可以继续。
// 倍率以千分数配置，避免在热路径引入浮点运算。
type congestionController struct {
	cfg config.CongestionConfig

	// maxPacketAmount 当前估计的最大安全单包金额
	maxPacketAmount uint64
}

func newCongestionController(cfg config.CongestionConfig) *congestionController {
	return &congestionController{
		cfg:             cfg,
		maxPacketAmount: cfg.StartAmount,
	}
}

// MaxPacketAmount 返回当前允许的最大单包金额
func (c *congestionController) MaxPacketAmount() uint64 {
	return c.maxPacketAmount
}

// OnFulfill 成功信号：乘性增长
func (c *congestionController) OnFulfill() {
	next := mulPermille(c.maxPacketAmount, c.cfg.IncreaseFactorPermille)
	if next <= c.maxPacketAmount {
		// 溢出或倍率异常时至少前进一步
		next = c.maxPacketAmount + 1
	}
	if next > c.cfg.MaxAmount {
		next = c.cfg.MaxAmount
	}
	c.maxPacketAmount = next
}

// OnAmountTooLarge 金额过大信号
//
// advertisedMax 为拒绝节点通告的最大可转发金额（按本包金额折算），
// 为 0 表示对端未通告，此时按配置倍率收缩。
func (c *congestionController) OnAmountTooLarge(advertisedMax uint64) {
	next := advertisedMax
	if next == 0 {
		next = mulPermille(c.maxPacketAmount, c.cfg.DecreaseFactorPermille)
	}
	if next >= c.maxPacketAmount && c.maxPacketAmount > 1 {
		// 通告值不小于当前估计时仍然收缩，避免停滞在被拒的金额上
		next = c.maxPacketAmount - 1
	}
	if next == 0 {
		next = 1
	}
	c.maxPacketAmount = next
}

// OnTimeout 超时信号：按配置倍率收缩
func (c *congestionController) OnTimeout() {
	next := mulPermille(c.maxPacketAmount, c.cfg.DecreaseFactorPermille)
	if next == 0 {
		next = 1
	}
	c.maxPacketAmount = next
}

// mulPermille 计算 v × factor/1000，饱和而非回绕
func mulPermille(v, factor uint64) uint64 {
	hi := v / 1000
	lo := v % 1000
	out := hi * factor
	if factor != 0 && out/factor != hi {
		return ^uint64(0)
	}
	rest := lo * factor / 1000
	if out+rest < out {
		return ^uint64(0)
	}
	return out + rest
}
