// Package service 包含了应用的业务逻辑层。
package service

import "errors"

// 业务层哨兵错误，由 handler 层统一映射为 HTTP 状态码。
var (
	// ErrBadRequest 表示请求内容缺失或格式错误。
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound 表示目标会话或消息不存在。
	ErrNotFound = errors.New("not found")
)
