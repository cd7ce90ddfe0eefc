// Package metrics 收集连接与流的资金统计
//
// Collector 同时维护两份视图：进程内的原子计数（供程序内快速
// 查询）和 Prometheus 指标（供外部抓取）。
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/types"
)

// Totals 资金累计快照
type Totals struct {
	// AmountIn 收到的总金额（资产最小单位）
	AmountIn uint64
	// AmountOut 送达的总金额
	AmountOut uint64
	// PacketsIn / PacketsOut 记账事件次数
	PacketsIn  uint64
	PacketsOut uint64
}

// Collector 资金统计收集器
type Collector struct {
	amountIn   atomic.Uint64
	amountOut  atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64

	amountCounter  *prometheus.CounterVec
	packetsCounter *prometheus.CounterVec

	mu         sync.Mutex
	registered bool
}

var _ interfaces.StatsSink = (*Collector)(nil)

// NewCollector 创建收集器
func NewCollector() *Collector {
	return &Collector{
		amountCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interledger",
			Subsystem: "stream",
			Name:      "amount_total",
			Help:      "Total amount of money settled, in the asset's smallest unit.",
		}, []string{"direction"}),
		packetsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interledger",
			Subsystem: "stream",
			Name:      "money_packets_total",
			Help:      "Number of packets that settled money.",
		}, []string{"direction"}),
	}
}

// Record 记录一次到账/送达事件
func (c *Collector) Record(stat types.StreamStat) {
	label := "outgoing"
	switch stat.Direction {
	case types.DirIncoming:
		label = "incoming"
		c.amountIn.Add(stat.Amount)
		c.packetsIn.Add(1)
	case types.DirOutgoing:
		c.amountOut.Add(stat.Amount)
		c.packetsOut.Add(1)
	}
	c.amountCounter.WithLabelValues(label).Add(float64(stat.Amount))
	c.packetsCounter.WithLabelValues(label).Inc()
}

// Totals 返回当前累计快照
func (c *Collector) Totals() Totals {
	return Totals{
		AmountIn:   c.amountIn.Load(),
		AmountOut:  c.amountOut.Load(),
		PacketsIn:  c.packetsIn.Load(),
		PacketsOut: c.packetsOut.Load(),
	}
}

// Register 将指标注册到给定的 Prometheus 注册表
//
// 重复调用只注册一次。
func (c *Collector) Register(reg prometheus.Registerer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	if err := reg.Register(c.amountCounter); err != nil {
		return err
	}
	if err := reg.Register(c.packetsCounter); err != nil {
		return err
	}
	c.registered = true
	return nil
}
