package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"llm-webui-go/internal/service"
	"llm-webui-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatWSHandler 在 WebSocket 上提供与 POST /chat 等价的流式聊天。
// 每个文本帧是一个完整的聊天请求，回复以 {"chunk":...} 帧流式下发。
type ChatWSHandler struct {
	chatService service.ChatService
}

// NewChatWSHandler 创建一个新的 ChatWSHandler。
func NewChatWSHandler(chatService service.ChatService) *ChatWSHandler {
	return &ChatWSHandler{chatService: chatService}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatWSHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立: %s", c.ClientIP())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var req service.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			writeJSON(conn, map[string]string{"error": "invalid request: " + err.Error()})
			continue
		}

		result, err := h.chatService.ChatStream(c.Request.Context(), &req, func(fragment string) error {
			return writeJSON(conn, map[string]string{"chunk": fragment})
		})
		if err != nil {
			log.Errorf("处理流式响应失败: %v", err)
			writeJSON(conn, map[string]string{"error": err.Error()})
			sendCompletion(conn, 0)
			continue
		}

		sendCompletion(conn, result.ConversationID)
	}
}

// sendCompletion 发送完成通知帧；已保存时带上会话 ID。
func sendCompletion(conn *websocket.Conn, conversationID uint) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"timestamp": time.Now().UnixMilli(),
	}
	if conversationID != 0 {
		notif["conversation_id"] = conversationID
	}
	_ = writeJSON(conn, notif)
}

func writeJSON(conn *websocket.Conn, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}
