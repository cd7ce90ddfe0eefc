package streamcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceSize AES-GCM 随机数长度（字节），随密文一同传输
const NonceSize = 12

// ErrAuthenticationFailed 认证标签校验失败
//
// 视为敌对或损坏的报文，绝不部分信任其内容。
var ErrAuthenticationFailed = errors.New("streamcrypto: authentication failed")

// Seal 用 AES-256-GCM 加密并认证明文
//
// 输出为 nonce(12) || ciphertext+tag。每次调用使用新的随机 nonce。
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, fmt.Errorf("streamcrypto: nonce generation: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open 解密并校验 Seal 的输出
//
// 标签不匹配或输入被截断时返回 ErrAuthenticationFailed。
func Open(key [32]byte, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("streamcrypto: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}
