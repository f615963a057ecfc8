package middleware

import (
	"encoding/json"
	"net/http"
)

// writeJSONError 输出与 API 一致的错误信封，便于客户端统一处理。
func writeJSONError(w http.ResponseWriter, status int, code string, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": msg,
		"code":    code,
	})
}
