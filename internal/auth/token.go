package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// TokenPrefix 是 API token 的固定前缀，便于在日志与密钥扫描中识别。
const TokenPrefix = "gf_"

var randReader io.Reader = rand.Reader

func NewRandomToken(prefix string, bytesLen int) (string, error) {
	if bytesLen < 16 {
		bytesLen = 16
	}
	b := make([]byte, bytesLen)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewAPIToken 生成一个新的明文 API token；只在创建时返回给调用方，库里只存哈希。
func NewAPIToken() (string, error) {
	return NewRandomToken(TokenPrefix, 32)
}

// ExtractToken 从 Authorization: Bearer <token> 或 x-api-key 中取出明文 token。
func ExtractToken(authorization string, apiKey string) string {
	if parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		if v := strings.TrimSpace(parts[1]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(apiKey)
}
