package api

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/paper-vendo/internal/errors"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError 把业务错误统一映射成HTTP响应
// 服务层返回的都是AppError，裸error兜底按未知错误处理。
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, requestIDFrom(c)))
}

// respondOK 成功响应
func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(200, SuccessResponse{
		Message: message,
		Data:    data,
	})
}

// requestIDFrom 取出请求ID，没有时返回空串
func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Get("requestID"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
