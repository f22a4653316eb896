package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LNURL 协议要求支付相关端点永远返回结构化信封（status OK/ERROR），
// 不能裸抛传输层错误；控制类端点则直接用 HTTP 状态码。

const (
	LnurlStatusOK    = "OK"
	LnurlStatusError = "ERROR"
)

// LnurlError LNURL 错误信封 {"status":"ERROR","reason":...}
type LnurlError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Lnurl 支付协议端点的成功响应，HTTP 永远 200
func Lnurl(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// LnurlFail 支付协议端点的失败响应，对外只给笼统 reason，细节留在日志里
func LnurlFail(c *gin.Context, reason string) {
	c.JSON(http.StatusOK, LnurlError{
		Status: LnurlStatusError,
		Reason: reason,
	})
}

// JSON 控制类端点的成功响应
func JSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// BadRequest 参数/签名事件校验失败
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// NotFound 用户名或操作不存在
func NotFound(c *gin.Context) {
	c.Status(http.StatusNotFound)
}

// ServerError 内部错误，不回显细节
func ServerError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
