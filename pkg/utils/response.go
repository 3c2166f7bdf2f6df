package utils

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
)

// MaxBodyBytes 请求体大小上限
const MaxBodyBytes = 1 << 20

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON 将请求体解析到 dst，空请求体保留零值。
// 解析失败时已写出错误响应，调用方直接返回即可。
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	RespondError(w, http.StatusBadRequest, "invalid request body")
	return false
}
