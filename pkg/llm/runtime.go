// Package llm provides a client for interacting with a locally hosted
// llama.cpp inference runtime.
package llm

import (
	"context"
	"errors"
)

// ErrModelNotLoaded 表示模型未加载（或加载失败），聊天接口不可用。
var ErrModelNotLoaded = errors.New("model not loaded")

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为。
type GenerationParams struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
	Stop        []string
}

// Result 是一次生成的最终结果。
type Result struct {
	Text       string
	TokensUsed int
}

// Runtime 定义了模型推理运行时的接口。
// 同一模型句柄不可重入：实现必须保证 Generate/GenerateStream 互斥执行。
type Runtime interface {
	// Generate 同步生成完整回复。
	Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error)
	// GenerateStream 流式生成，每个增量片段按到达顺序回调 onFragment；
	// onFragment 返回错误时停止拉取。返回值为拼接后的完整结果。
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onFragment func(fragment string) error) (*Result, error)
	// Load 加载模型，进程生命周期内调用一次。
	Load(ctx context.Context) error
	// Unload 释放模型内存，可重复调用（对已卸载的模型是空操作）。
	Unload()
	// Loaded 报告模型当前是否可用。
	Loaded() bool
	// ModelPath 返回已配置模型文件的路径。
	ModelPath() string
}
