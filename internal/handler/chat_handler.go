// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"llm-webui-go/internal/config"
	"llm-webui-go/internal/service"
	"llm-webui-go/pkg/llm"
	"llm-webui-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ChatHandler 负责聊天、模型列表与健康检查接口。
type ChatHandler struct {
	chatService service.ChatService
	runtime     llm.Runtime
	modelCfg    config.ModelConfig
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, runtime llm.Runtime, modelCfg config.ModelConfig) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		runtime:     runtime,
		modelCfg:    modelCfg,
	}
}

// Chat 处理 POST /chat：同步返回完整回复，或按 SSE 流式下发。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if req.Stream {
		h.streamChat(c, &req)
		return
	}

	result, err := h.chatService.Chat(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	payload := gin.H{
		"message":     gin.H{"role": "assistant", "content": result.Text},
		"tokens_used": result.TokensUsed,
	}
	if result.ConversationID != 0 {
		payload["conversation_id"] = result.ConversationID
	}
	c.JSON(http.StatusOK, payload)
}

// streamChat 以 text/event-stream 下发增量片段。
// 片段按到达顺序逐个发送；保存成功时在所有文本事件之后、
// 结束标记之前追加一条 [CONVERSATION_ID:n] 事件。
func (h *ChatHandler) streamChat(c *gin.Context, req *service.ChatRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	// 校验失败发生在任何响应字节之前，此时仍可返回普通的错误状态码
	headersSent := false
	writeEvent := func(data string) {
		if !headersSent {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Writer.WriteHeader(http.StatusOK)
			headersSent = true
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
	}

	result, err := h.chatService.ChatStream(c.Request.Context(), req, func(fragment string) error {
		writeEvent(fragment)
		return nil
	})
	if err != nil {
		if !headersSent {
			respondError(c, err)
			return
		}
		// 连接已经打开，错误只能作为终止事件下发
		log.Errorf("Streaming error: %v", err)
		writeEvent("[ERROR: " + err.Error() + "]")
		return
	}

	if result.ConversationID != 0 {
		writeEvent(fmt.Sprintf("[CONVERSATION_ID:%d]", result.ConversationID))
	}
	writeEvent("[DONE]")
}

// modelInfo 是模型列表接口的单项。
type modelInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
}

// ListModels 处理 GET /chat/models：列出模型目录下的 gguf 文件。
func (h *ChatHandler) ListModels(c *gin.Context) {
	activePath := h.runtime.ModelPath()
	loaded := h.runtime.Loaded()

	var models []modelInfo
	entries, err := os.ReadDir(h.modelCfg.Dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".gguf") {
				continue
			}
			path := filepath.Join(h.modelCfg.Dir, entry.Name())
			models = append(models, modelInfo{
				Name:   entry.Name(),
				Path:   path,
				Loaded: loaded && path == activePath,
			})
		}
	}
	if len(models) == 0 {
		models = []modelInfo{{Name: "default", Path: activePath, Loaded: loaded}}
	}

	c.JSON(http.StatusOK, gin.H{"models": models})
}

// Health 处理 GET /health。模型加载失败时服务仍在线，仅聊天不可用。
func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": h.runtime.Loaded(),
	})
}

// respondError 把业务错误统一映射为 HTTP 状态码，只在传输边界做一次。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, llm.ErrModelNotLoaded):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "model not loaded"})
	default:
		log.Error("request failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
