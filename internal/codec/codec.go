package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lvdashuaibi/farepass/internal/model"
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
	separator = "."
)

var (
	// ErrInvalidToken Decode 唯一返回的错误
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = fmt.Errorf("codec key must be %d bytes", KeySize)
)

var b64 = base64.StdEncoding.Strict()

// Codec 使用AES-256-GCM加密令牌明文
type Codec struct {
	aead cipher.AEAD
}

// New 使用32字节密钥创建Codec
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewFromHex 解析64位十六进制密钥
func NewFromHex(s string) (*Codec, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return New(key)
}

// Encode 序列化并使用新的随机nonce加密
func (c *Codec) Encode(p model.TokenPayload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return b64.EncodeToString(nonce) + separator +
		b64.EncodeToString(tag) + separator +
		b64.EncodeToString(ct), nil
}

// Decode 解密 Encode 生成的凭证, 无效凭证一律返回 ErrInvalidToken
func (c *Codec) Decode(credential string) (*model.TokenPayload, error) {
	parts := strings.Split(credential, separator)
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrInvalidToken
	}
	tag, err := b64.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrInvalidToken
	}
	ct, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(append(sealed, ct...), tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var p model.TokenPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, ErrInvalidToken
	}
	if p.TokenID == "" || p.TicketID == 0 || p.Nonce == "" || p.ExpiresAt.IsZero() {
		return nil, ErrInvalidToken
	}
	return &p, nil
}
