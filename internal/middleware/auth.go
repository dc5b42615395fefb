package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// PrincipalContextKey 是存储在 context 中的调用方标识的键。
type PrincipalContextKey struct{}

// APIKeyAuth 创建 API Key 鉴权中间件。
// 期望请求头格式：Authorization: ApiKey <token>，或 X-API-Key: <token>。
func APIKeyAuth(validKeys []string) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(validKeys))
	for _, key := range validKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed != "" {
			keys = append(keys, []byte(trimmed))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, ok := extractAPIKey(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "missing API key, expected: Authorization: ApiKey <token>")
				return
			}
			if !matchKey(keys, apiKey) {
				writeAuthError(w, http.StatusUnauthorized, "ApiKey", "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey{}, "apikey:"+keyHint(apiKey))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractAPIKey(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, true
	}

	const prefix = "ApiKey "
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	return apiKey, apiKey != ""
}

func matchKey(keys [][]byte, candidate string) bool {
	c := []byte(candidate)
	found := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, c) == 1 {
			found = true
		}
	}
	return found
}

// keyHint 只保留前 4 位，避免把完整 key 写进日志。
func keyHint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// Principal 从 context 中获取经过鉴权的调用方标识。
func Principal(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalContextKey{}).(string); ok {
		return v
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, scheme, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", scheme+` realm="CineShorts API"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
