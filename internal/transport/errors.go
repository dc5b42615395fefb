package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCanceled 表示调用方主动取消了请求，不属于传输错误。
var ErrCanceled = errors.New("transport: canceled")

// Code 对传输失败进行归类。
type Code string

const (
	CodeNetwork       Code = "network"
	CodeStatus        Code = "status"
	CodeMalformedBody Code = "malformed_body"
)

// Error 是所有网络失败、非 2xx 响应和无法解析的响应体的统一形态。
type Error struct {
	Op      string
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Op, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// AsError 从错误链中取出 *Error。
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// statusMessage 从失败响应体中提取可读信息；响应体不是 JSON 时视为空对象。
func statusMessage(status int, body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			switch v := payload[key].(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					return v
				}
			case nil:
			default:
				if raw, err := json.Marshal(v); err == nil {
					return string(raw)
				}
			}
		}
	}

	if text := http.StatusText(status); text != "" {
		return text
	}
	return "unexpected status"
}
