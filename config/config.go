// Package config 提供统一的配置管理
//
// 本包采用混合配置模式：
//   - 主 Config 结构体嵌入所有子配置
//   - 每个子配置按功能模块组织
//   - 所有字段都有经过校准的默认值，零值配置经 NewConfig 填充后即可使用
//
// 拥塞控制与重试参数是策略选择而非协议常量，因此全部暴露为配置。
package config

import (
	"fmt"
	"time"
)

// Config 是 go-interledger 的完整配置结构
type Config struct {
	// Connection 连接级参数
	Connection ConnectionConfig `json:"connection"`

	// Congestion 拥塞控制参数
	Congestion CongestionConfig `json:"congestion"`
}

// ConnectionConfig 连接状态机参数
type ConnectionConfig struct {
	// PacketTimeout 单个 Prepare 的过期预算（expiresAt = now + PacketTimeout）
	PacketTimeout time.Duration `json:"packet_timeout"`

	// MaxRetries 单次发送请求的重试上限，超出后向调用方返回致命发送错误
	MaxRetries int `json:"max_retries"`

	// MaxInFlight 同时在途的 Prepare 上限
	MaxInFlight int `json:"max_in_flight"`

	// IdleTimeout 连接空闲超时，超时后本端拆除连接
	IdleTimeout time.Duration `json:"idle_timeout"`

	// MaxFrameDataSize 单个 StreamData 帧携带的最大字节数
	MaxFrameDataSize int `json:"max_frame_data_size"`

	// CloseTimeout 优雅关闭握手的最长等待时间
	CloseTimeout time.Duration `json:"close_timeout"`

	// RecvWindowSize 每条流的接收窗口（字节）
	RecvWindowSize uint64 `json:"recv_window_size"`

	// ConnRecvWindowSize 连接级接收窗口（字节）
	ConnRecvWindowSize uint64 `json:"conn_recv_window_size"`
}

// CongestionConfig 拥塞控制参数
//
// 控制器探测路径允许的最大单包金额：Fulfill 时乘性增长，
// 收到金额过大的 Reject 或超时后收缩。
type CongestionConfig struct {
	// StartAmount 初始探测金额
	StartAmount uint64 `json:"start_amount"`

	// IncreaseFactor Fulfill 后的增长倍率（千分数，如 2000 = ×2.0）
	IncreaseFactorPermille uint64 `json:"increase_factor_permille"`

	// DecreaseFactor 收缩倍率（千分数，如 500 = ×0.5）
	DecreaseFactorPermille uint64 `json:"decrease_factor_permille"`

	// MaxAmount 探测金额硬上限
	MaxAmount uint64 `json:"max_amount"`
}

// NewConfig 创建带默认值的配置
func NewConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			PacketTimeout:      30 * time.Second,
			MaxRetries:         10,
			MaxInFlight:        8,
			IdleTimeout:        10 * time.Minute,
			MaxFrameDataSize:   32 * 1024,
			CloseTimeout:       5 * time.Second,
			RecvWindowSize:     256 * 1024,
			ConnRecvWindowSize: 1024 * 1024,
		},
		Congestion: CongestionConfig{
			StartAmount:            1000,
			IncreaseFactorPermille: 2000,
			DecreaseFactorPermille: 500,
			MaxAmount:              1_000_000_000,
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Connection.PacketTimeout <= 0 {
		return fmt.Errorf("config: packet timeout must be positive")
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must not be negative")
	}
	if c.Connection.MaxInFlight < 1 {
		return fmt.Errorf("config: max in-flight must be at least 1")
	}
	if c.Connection.MaxFrameDataSize < 1 {
		return fmt.Errorf("config: max frame data size must be at least 1")
	}
	if c.Congestion.StartAmount == 0 {
		return fmt.Errorf("config: congestion start amount must be positive")
	}
	if c.Congestion.IncreaseFactorPermille <= 1000 {
		return fmt.Errorf("config: congestion increase factor must exceed 1000 permille")
	}
	if c.Congestion.DecreaseFactorPermille == 0 || c.Congestion.DecreaseFactorPermille >= 1000 {
		return fmt.Errorf("config: congestion decrease factor must be in (0, 1000) permille")
	}
	if c.Congestion.MaxAmount < c.Congestion.StartAmount {
		return fmt.Errorf("config: congestion max amount below start amount")
	}
	return nil
}
