package interledger

import (
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-interledger/config"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 链路
	link interfaces.Link

	// 连接/拥塞配置
	config *config.Config

	// 本端身份
	sourceAccount types.Address
	assetCode     string
	assetScale    uint8

	// 服务端种子（Listen 需要）
	serverSeed    [32]byte
	serverSeedSet bool

	// IL-DCP：启动时向父节点请求地址与资产信息
	fetchAccount bool

	// IL-DCP：以父节点身份分配给子节点的账户信息
	childAccount *types.AccountDetails

	// 统计
	stats interfaces.StatsSink

	// 时钟（测试注入 mock）
	clock clock.Clock

	// 服务端连接表
	maxConnections int
	idleTTL        time.Duration

	// 日志输出（nil 保持默认 stderr）
	logOutput io.Writer
}

func defaultOptions() *options {
	return &options{
		config: config.NewConfig(),
	}
}

func (o *options) apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// WithLink 设置报文传输链路（必需）
func WithLink(link interfaces.Link) Option {
	return func(o *options) error {
		if link == nil {
			return fmt.Errorf("interledger: link cannot be nil")
		}
		o.link = link
		return nil
	}
}

// WithConfig 设置连接与拥塞配置
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("interledger: config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.config = cfg
		return nil
	}
}

// WithSourceAccount 设置本端 ILP 地址
func WithSourceAccount(addr types.Address) Option {
	return func(o *options) error {
		if _, err := types.NewAddress(string(addr)); err != nil {
			return err
		}
		o.sourceAccount = addr
		return nil
	}
}

// WithAssetDetails 设置本端资产代码与精度
func WithAssetDetails(code string, scale uint8) Option {
	return func(o *options) error {
		if code == "" {
			return fmt.Errorf("interledger: asset code cannot be empty")
		}
		o.assetCode = code
		o.assetScale = scale
		return nil
	}
}

// WithServerSeed 设置 32 字节服务端种子
//
// 接收端从种子无状态地派生每连接共享密钥；Listen 必需。
func WithServerSeed(seed [32]byte) Option {
	return func(o *options) error {
		o.serverSeed = seed
		o.serverSeedSet = true
		return nil
	}
}

// WithAccountFetch 启动时通过 IL-DCP 向父节点请求地址与资产信息
//
// 获取结果覆盖 WithSourceAccount / WithAssetDetails 设置的值。
func WithAccountFetch() Option {
	return func(o *options) error {
		o.fetchAccount = true
		return nil
	}
}

// WithChildAccount 以父节点身份应答 IL-DCP 请求
//
// details 为分配给子节点的地址与资产信息。
func WithChildAccount(details types.AccountDetails) Option {
	return func(o *options) error {
		if details.ClientAddress == "" {
			return fmt.Errorf("interledger: child account address cannot be empty")
		}
		o.childAccount = &details
		return nil
	}
}

// WithStatsSink 设置资金统计接收器
//
// 未设置时节点使用内置的 Prometheus 收集器。
func WithStatsSink(sink interfaces.StatsSink) Option {
	return func(o *options) error {
		if sink == nil {
			return fmt.Errorf("interledger: stats sink cannot be nil")
		}
		o.stats = sink
		return nil
	}
}

// WithClock 注入时钟（测试用）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return fmt.Errorf("interledger: clock cannot be nil")
		}
		o.clock = clk
		return nil
	}
}

// WithMaxConnections 设置服务端连接表容量
func WithMaxConnections(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("interledger: max connections must be positive")
		}
		o.maxConnections = n
		return nil
	}
}

// WithIdleTTL 设置服务端连接的空闲淘汰时长
func WithIdleTTL(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("interledger: idle ttl cannot be negative")
		}
		o.idleTTL = d
		return nil
	}
}

// WithLogOutput 重定向日志输出
func WithLogOutput(w io.Writer) Option {
	return func(o *options) error {
		if w == nil {
			return fmt.Errorf("interledger: log output cannot be nil")
		}
		o.logOutput = w
		return nil
	}
}
