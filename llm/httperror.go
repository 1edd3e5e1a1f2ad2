package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MapHTTPError 将 HTTP 状态码映射为带有重试标记的 BackendError
func MapHTTPError(status int, msg string, backend string) *BackendError {
	e := &BackendError{Message: msg, HTTPStatus: status, Backend: backend}
	switch status {
	case http.StatusUnauthorized:
		e.Code = BackendUnauthorized
	case http.StatusForbidden:
		e.Code = BackendForbidden
	case http.StatusTooManyRequests:
		e.Code = BackendRateLimited
		e.Retryable = true
	case http.StatusBadRequest:
		// 检查配额/信用关键字
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			e.Code = BackendQuotaExceeded
		} else {
			e.Code = BackendInvalidRequest
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = BackendTimeout
		e.Retryable = true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		e.Code = BackendUpstream
		e.Retryable = true
	case 529: // 模型过载
		e.Code = BackendOverloaded
		e.Retryable = true
	default:
		e.Code = BackendUpstream
		e.Retryable = status >= 500
	}
	return e
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	// 回退到原始文本
	return strings.TrimSpace(string(data))
}
