// Package connmgr 维护服务端的 STREAM 连接表
//
// 接收端对每个入站目的账户的 token 段维护一条连接。连接表使用
// 带空闲过期的 LRU：容量或时限淘汰时关闭对应连接，保证无界的
// 恶意 token 流量不会耗尽内存。
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dep2p/go-interledger/config"
	"github.com/dep2p/go-interledger/internal/core/connection"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/lib/log"
	"github.com/dep2p/go-interledger/pkg/types"
)

var logger = log.Logger("core/connmgr")

// DefaultMaxConnections LRU 容量默认值
const DefaultMaxConnections = 1024

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("connmgr: closed")

// Params 创建连接管理器所需的依赖
type Params struct {
	// Config 连接配置（传递给每条新连接）
	Config *config.Config

	// Link 报文传输协作者
	Link interfaces.Link

	// Generator 从目的账户还原共享密钥
	Generator *streamcrypto.ConnectionGenerator

	// BaseAddress 本端 ILP 基地址；入站目的账户必须在其之下
	BaseAddress types.Address

	// AssetCode / AssetScale 本端资产信息
	AssetCode  string
	AssetScale uint8

	// Stats 统计接收器（nil 时丢弃）
	Stats interfaces.StatsSink

	// Clock 时钟（nil 时使用真实时钟；测试注入 mock）
	Clock clock.Clock

	// MaxConnections LRU 容量（0 使用默认值）
	MaxConnections int

	// IdleTTL 连接在表中的空闲存活时长（0 表示不按时限淘汰）
	IdleTTL time.Duration

	// OnAccept 新连接建立时的回调（可为 nil）
	OnAccept func(*connection.Connection)
}

// Manager 按目的账户 token 查找或建立连接
type Manager struct {
	cfg        *config.Config
	link       interfaces.Link
	generator  *streamcrypto.ConnectionGenerator
	base       types.Address
	assetCode  string
	assetScale uint8
	stats      interfaces.StatsSink
	clock      clock.Clock
	onAccept   func(*connection.Connection)

	mu     sync.Mutex
	conns  *lru.LRU[string, *connection.Connection]
	closed bool
}

var _ interfaces.PrepareHandler = (*Manager)(nil)

// New 创建连接管理器
func New(p Params) (*Manager, error) {
	if p.Link == nil {
		return nil, fmt.Errorf("connmgr: link is required")
	}
	if p.Generator == nil {
		return nil, fmt.Errorf("connmgr: generator is required")
	}
	if p.BaseAddress == "" {
		return nil, fmt.Errorf("connmgr: base address is required")
	}
	maxConns := p.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}

	m := &Manager{
		cfg:        p.Config,
		link:       p.Link,
		generator:  p.Generator,
		base:       p.BaseAddress,
		assetCode:  p.AssetCode,
		assetScale: p.AssetScale,
		stats:      p.Stats,
		clock:      p.Clock,
		onAccept:   p.OnAccept,
	}
	// 淘汰即关闭：被挤出表的连接不再可达，其在途状态随之终结
	m.conns = lru.NewLRU(maxConns, func(token string, conn *connection.Connection) {
		logger.Debug("连接被移出管理表", "token", log.TruncateID(token, 8))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Close(ctx)
		}()
	}, p.IdleTTL)
	return m, nil
}

// HandlePrepare 将入站 Prepare 路由到对应连接
//
// 目的账户不在基地址之下、token 无法还原密钥时返回 F02。
func (m *Manager) HandlePrepare(ctx context.Context, prepare *packet.Prepare) packet.Packet {
	conn, err := m.connectionFor(prepare.Destination)
	if err != nil {
		logger.Debug("入站报文无法路由", "destination", prepare.Destination.String(), "error", err)
		return &packet.Reject{
			Code:        types.CodeF02Unreachable,
			TriggeredBy: m.base,
			Message:     "no route to destination",
		}
	}
	return conn.HandlePrepare(ctx, prepare)
}

// connectionFor 查找或建立目的账户对应的连接
func (m *Manager) connectionFor(destination types.Address) (*connection.Connection, error) {
	token, err := m.tokenOf(destination)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if conn, ok := m.conns.Get(token); ok {
		select {
		case <-conn.Done():
			// 已终结的连接不复用；同一 token 重新建连
			m.conns.Remove(token)
		default:
			return conn, nil
		}
	}

	secret, err := m.generator.Rederive(m.base, destination)
	if err != nil {
		return nil, err
	}
	conn, err := connection.New(connection.Params{
		Config:        m.cfg,
		Link:          m.link,
		SharedSecret:  secret,
		SourceAccount: m.base,
		AssetCode:     m.assetCode,
		AssetScale:    m.assetScale,
		IsServer:      true,
		Clock:         m.clock,
		Stats:         m.stats,
	})
	if err != nil {
		return nil, err
	}
	m.conns.Add(token, conn)
	logger.Info("建立入站连接", "token", log.TruncateID(token, 8))
	if m.onAccept != nil {
		go m.onAccept(conn)
	}
	return conn, nil
}

// tokenOf 提取目的账户在基地址之后的第一段
func (m *Manager) tokenOf(destination types.Address) (string, error) {
	if !destination.HasPrefix(m.base) || len(destination) <= len(m.base) {
		return "", fmt.Errorf("%w: %s", streamcrypto.ErrForeignDestination, destination)
	}
	rest := string(destination)[len(m.base)+1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			rest = rest[:i]
			break
		}
	}
	if rest == "" {
		return "", fmt.Errorf("%w: %s", streamcrypto.ErrForeignDestination, destination)
	}
	return rest, nil
}

// Len 当前管理的连接数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns.Len()
}

// Close 关闭管理器及其全部连接
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	keys := m.conns.Keys()
	conns := make([]*connection.Connection, 0, len(keys))
	for _, k := range keys {
		if conn, ok := m.conns.Peek(k); ok {
			conns = append(conns, conn)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
