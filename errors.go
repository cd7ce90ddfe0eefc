package interledger

import "errors"

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ────────────────────────────────────────────────────────────────────────
	// 配置错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNoLink 未配置链路
	ErrNoLink = errors.New("link is required")

	// ErrNoServerSeed 未配置服务端种子（Listen 需要）
	ErrNoServerSeed = errors.New("server seed is required for listening")

	// ErrNoSourceAccount 未配置本端地址（Listen 需要）
	ErrNoSourceAccount = errors.New("source account is required for listening")
)
