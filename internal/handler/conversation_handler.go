package handler

import (
	"net/http"
	"strconv"

	"llm-webui-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与会话管理相关的 CRUD 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// List 处理 GET /conversations：按最近更新时间倒序返回全部会话。
func (h *ConversationHandler) List(c *gin.Context) {
	convs, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// Create 处理 POST /conversations。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	// 允许空请求体，标题走默认值
	_ = c.ShouldBindJSON(&req)

	conv, err := h.service.Create(c.Request.Context(), req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// Get 处理 GET /conversations/:id：返回会话及其全部消息。
func (h *ConversationHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	conv, msgs, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     msgs,
	})
}

type updateConversationRequest struct {
	Title string `json:"title"`
}

// Update 处理 PUT /conversations/:id：重命名会话。
func (h *ConversationHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	conv, err := h.service.Rename(c.Request.Context(), id, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Delete 处理 DELETE /conversations/:id：级联删除会话及全部消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

type addMessageRequest struct {
	Role            string      `json:"role"`
	Content         string      `json:"content"`
	MessageMetadata interface{} `json:"message_metadata"`
}

// AddMessage 处理 POST /conversations/:id/messages。
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	msg, err := h.service.AddMessage(c.Request.Context(), id, req.Role, req.Content, req.MessageMetadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// DeleteMessage 处理 DELETE /conversations/:id/messages/:messageId。
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	messageID, ok := parseID(c, "messageId")
	if !ok {
		return
	}

	if err := h.service.RemoveMessage(c.Request.Context(), id, messageID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted successfully"})
}

// parseID 解析路径参数中的数字 ID，非法时直接响应 400。
func parseID(c *gin.Context, name string) (uint, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}
