package interledger

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-interledger/config"
	"github.com/dep2p/go-interledger/internal/core/connmgr"
	"github.com/dep2p/go-interledger/internal/core/ildcp"
	"github.com/dep2p/go-interledger/internal/core/metrics"
	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/lib/log"
)

var fxLogger = log.Logger("interledger/fx")

// fxApp Fx 应用的最小接口（测试可注入替身）
type fxApp interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// statsOut 统计组件输出
type statsOut struct {
	fx.Out

	Sink      interfaces.StatsSink
	Collector *metrics.Collector
}

// managerIn 连接表构造输入
type managerIn struct {
	fx.In

	Config    *config.Config
	Link      interfaces.Link
	Generator *streamcrypto.ConnectionGenerator `optional:"true"`
	Sink      interfaces.StatsSink
}

// buildFxApp 构建 Fx 应用
//
// 组装内部组件，采用条件加载策略：
//   - 基础组件：必须加载（配置、链路、统计）
//   - 条件组件：根据选项加载（密钥生成器、连接表、IL-DCP 客户端）
func buildFxApp(o *options, node *Node) (*fx.App, error) {
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	modules := []fx.Option{
		// 配置与链路注入
		fx.Supply(o.config),
		fx.Provide(func() interfaces.Link { return o.link }),

		// 统计：用户提供的接收器，或内置 Prometheus 收集器
		fx.Provide(func() statsOut {
			if o.stats != nil {
				return statsOut{Sink: o.stats}
			}
			collector := metrics.NewCollector()
			return statsOut{Sink: collector, Collector: collector}
		}),
	}

	// 服务端组件（需要种子）
	if o.serverSeedSet {
		modules = append(modules,
			fx.Provide(func() *streamcrypto.ConnectionGenerator {
				return streamcrypto.NewConnectionGenerator(o.serverSeed)
			}),
			fx.Provide(func(in managerIn) (*connmgr.Manager, error) {
				return connmgr.New(connmgr.Params{
					Config:         in.Config,
					Link:           in.Link,
					Generator:      in.Generator,
					BaseAddress:    o.sourceAccount,
					AssetCode:      o.assetCode,
					AssetScale:     o.assetScale,
					Stats:          in.Sink,
					Clock:          o.clock,
					MaxConnections: o.maxConnections,
					IdleTTL:        o.idleTTL,
					OnAccept:       node.onAccept,
				})
			}),
		)
	}

	// IL-DCP 客户端（启动阶段学习本端账户）
	if o.fetchAccount {
		modules = append(modules, fx.Provide(func(link interfaces.Link) interfaces.AccountFetcher {
			return &ildcp.Client{Link: link, Clock: o.clock}
		}))
	}

	// 回填 Node 与生命周期挂钩
	modules = append(modules,
		fx.Invoke(func(params nodePopulateIn) {
			node.link = params.Link
			node.stats = params.Sink
			node.collector = params.Collector
			node.generator = params.Generator
			node.manager = params.Manager
			node.fetcher = params.Fetcher
		}),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		fxLogger.Error("依赖装配失败", "error", err)
		return nil, err
	}
	return app, nil
}

// nodePopulateIn 回填 Node 的依赖集合
type nodePopulateIn struct {
	fx.In

	Link      interfaces.Link
	Sink      interfaces.StatsSink
	Collector *metrics.Collector                `optional:"true"`
	Generator *streamcrypto.ConnectionGenerator `optional:"true"`
	Manager   *connmgr.Manager                  `optional:"true"`
	Fetcher   interfaces.AccountFetcher         `optional:"true"`
}
