package streamcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dep2p/go-interledger/pkg/types"
)

// tokenBytes 目的账户随机后缀的原始长度（base64url 编码前）
const tokenBytes = 18

// hkdf 派生共享密钥时的用途盐
const sharedSecretSalt = "ilp_stream_shared_secret"

// ErrForeignDestination 目的账户不属于本生成器的基地址
var ErrForeignDestination = errors.New("streamcrypto: destination not under base address")

// ConnectionGenerator 为接收端生成（目的账户，共享密钥）对
//
// 从 32 字节服务端种子出发：
//
//	token        = base64url(random 18 bytes)
//	destination  = baseAddress.token
//	sharedSecret = HKDF-SHA256(seed, salt=sharedSecretSalt, info=token)
//
// 收到发往 destination 的 Prepare 时，接收端从地址后缀还原 token
// 并重新派生共享密钥，因此无需持久化任何每连接状态。
type ConnectionGenerator struct {
	seed [32]byte
}

// NewConnectionGenerator 从服务端种子创建生成器
func NewConnectionGenerator(seed [32]byte) *ConnectionGenerator {
	return &ConnectionGenerator{seed: seed}
}

// Generate 生成一对新的（目的账户，共享密钥）
func (g *ConnectionGenerator) Generate(base types.Address) (types.Address, []byte, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("streamcrypto: token generation: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])
	dest, err := base.WithSuffix(token)
	if err != nil {
		return "", nil, err
	}
	return dest, g.deriveSharedSecret(token), nil
}

// Rederive 从目的账户还原共享密钥
//
// destination 必须形如 base.token[.更多段]；token 取 base 之后的第一段。
func (g *ConnectionGenerator) Rederive(base, destination types.Address) ([]byte, error) {
	if !destination.HasPrefix(base) || len(destination) <= len(base) {
		return nil, fmt.Errorf("%w: %s", ErrForeignDestination, destination)
	}
	rest := string(destination)[len(base)+1:]
	token := rest
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			token = rest[:i]
			break
		}
	}
	if token == "" {
		return nil, fmt.Errorf("%w: %s", ErrForeignDestination, destination)
	}
	return g.deriveSharedSecret(token), nil
}

// deriveSharedSecret 用 HKDF 从种子派生 32 字节共享密钥
func (g *ConnectionGenerator) deriveSharedSecret(token string) []byte {
	reader := hkdf.New(sha256.New, g.seed[:], []byte(sharedSecretSalt), []byte(token))
	secret := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(reader, secret); err != nil {
		// HKDF 不应该失败，除非参数有问题
		panic("streamcrypto: hkdf read failed: " + err.Error())
	}
	return secret
}
