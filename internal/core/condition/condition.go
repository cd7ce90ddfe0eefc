// Package condition 实现 ILP 的哈希承诺（condition/fulfillment）
//
// condition = SHA256(fulfillment)。这是单向承诺：Prepare 发出前任何
// 中间节点都无法得到 fulfillment，否则即可窃取该笔资金。
package condition

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Size condition 与 fulfillment 的固定长度（字节）
const Size = 32

// FromFulfillment 由 fulfillment 计算 condition
func FromFulfillment(fulfillment [Size]byte) [Size]byte {
	return sha256.Sum256(fulfillment[:])
}

// Verify 校验 fulfillment 是否满足 condition
//
// 重新计算哈希并做常数时间比较，避免通过时间侧信道区分
// 有效与无效的 fulfillment。不匹配是正常的布尔结果而非错误，
// 由调用方（连接状态机）决定拒绝还是重试。
func Verify(cond, fulfillment [Size]byte) bool {
	computed := FromFulfillment(fulfillment)
	return subtle.ConstantTimeCompare(computed[:], cond[:]) == 1
}
