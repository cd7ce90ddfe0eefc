package connection

import "errors"

// 连接/流层错误
var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection: closed")

	// ErrStreamClosed 流已关闭（或对应方向已半关闭）
	ErrStreamClosed = errors.New("connection: stream closed")

	// ErrSendFailed 重试预算耗尽，发送请求以失败告终
	ErrSendFailed = errors.New("connection: send failed after retries exhausted")

	// ErrStreamLimit 超出对端允许的流 ID 上限
	ErrStreamLimit = errors.New("connection: stream id limit reached")

	// ErrZeroAmount 金额为零的发送请求
	ErrZeroAmount = errors.New("connection: amount must be positive")
)
