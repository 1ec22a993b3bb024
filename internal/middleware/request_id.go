package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey 是请求 ID 在 gin.Context 与响应头中使用的键。
const RequestIDKey = "X-Request-ID"

// RequestID 为每个请求分配一个 ID，便于把日志与具体请求对应起来。
// 客户端自带 ID 时沿用。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set(RequestIDKey, id)
		c.Next()
	}
}
