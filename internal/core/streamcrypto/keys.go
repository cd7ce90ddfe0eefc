// Package streamcrypto 实现 STREAM 连接的密钥派生与认证加密
//
// 所有密钥都由带外协商的 32 字节共享密钥确定性派生：
//
//	encryptionKey  = HMAC-SHA256(sharedSecret, "ilp_stream_encryption")
//	fulfillmentKey = HMAC-SHA256(sharedSecret, "ilp_stream_fulfillment")
//	packetKey      = HMAC-SHA256(sharedSecret, "ilp_stream_packet")
//
// 用途标签保证密钥分离：中间节点即便攻破某一用途的密钥
// （例如观察密文），也得不到其它用途的密钥。
//
// fulfillment 由 fulfillmentKey 对 Prepare 携带的 STREAM 密文做
// HMAC-SHA256 得到。接收端因此无需任何每报文状态即可重建自己
// 收到的 Prepare 的正确 fulfillment，而不持有共享密钥的中间节点
// 无法伪造。
package streamcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SharedSecretSize 共享密钥长度（字节）
const SharedSecretSize = 32

// 密钥派生用途标签
const (
	labelEncryption  = "ilp_stream_encryption"
	labelFulfillment = "ilp_stream_fulfillment"
	labelPacket      = "ilp_stream_packet"
)

// DeriveKey 用 HMAC-SHA256 从共享密钥派生指定用途的 32 字节密钥
func DeriveKey(sharedSecret []byte, label string) [32]byte {
	h := hmac.New(sha256.New, sharedSecret)
	h.Write([]byte(label))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Keys 一条 STREAM 连接的全部派生密钥
type Keys struct {
	encryption  [32]byte
	fulfillment [32]byte
	packet      [32]byte
}

// NewKeys 从共享密钥派生连接密钥组
func NewKeys(sharedSecret []byte) *Keys {
	return &Keys{
		encryption:  DeriveKey(sharedSecret, labelEncryption),
		fulfillment: DeriveKey(sharedSecret, labelFulfillment),
		packet:      DeriveKey(sharedSecret, labelPacket),
	}
}

// EncryptionKey 返回报文加密密钥
func (k *Keys) EncryptionKey() [32]byte {
	return k.encryption
}

// Fulfillment 对 Prepare 携带的 STREAM 密文计算确定性 fulfillment
func (k *Keys) Fulfillment(prepareData []byte) [32]byte {
	h := hmac.New(sha256.New, k.fulfillment[:])
	h.Write(prepareData)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PacketHash 用报文哈希密钥计算报文摘要
//
// 用于在不暴露明文的情况下为重试去重生成稳定标识。
func (k *Keys) PacketHash(packetBytes []byte) [32]byte {
	h := hmac.New(sha256.New, k.packet[:])
	h.Write(packetBytes)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
