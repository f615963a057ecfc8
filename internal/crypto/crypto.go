// Package crypto 提供 token 哈希与回调签名，保证明文凭据不落库。
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

func TokenHash(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// SignJobCallback 为任务回调 URL 生成签名，防止伪造的回调驱动任务完成。
func SignJobCallback(secret string, jobID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("job:" + jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyJobCallback(secret string, jobID string, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want := SignJobCallback(secret, jobID)
	return hmac.Equal([]byte(want), []byte(signature))
}
