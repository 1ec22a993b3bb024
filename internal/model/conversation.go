// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// ChatMessage 代表客户端提交的一条角色消息（不落库的请求数据）。
type ChatMessage struct {
	Role    string `json:"role"` // "system"、"user" 或 "assistant"
	Content string `json:"content"`
}

// Conversation 代表一次会话，拥有其全部消息。
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Title     string    `gorm:"size:200;not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationDTO 是会话列表/详情接口的响应结构。
type ConversationDTO struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ToDTO 把会话记录转换为响应结构。
func (c *Conversation) ToDTO(messageCount int) ConversationDTO {
	return ConversationDTO{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: messageCount,
	}
}

// Message 代表会话中持久化的单条消息。
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index;not null" json:"conversation_id"`
	Role           string    `gorm:"size:20;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"autoCreateTime;not null" json:"created_at"`
	// 附加信息以 JSON 文本存储，列名与既有库表保持一致；
	// 对外响应经 MessageDTO 反序列化为对象
	MessageMetadata string `gorm:"column:message_metadata;type:text" json:"message_metadata,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// MessageDTO 是消息接口的响应结构，message_metadata 反序列化为对象。
type MessageDTO struct {
	ID              uint        `json:"id"`
	ConversationID  uint        `json:"conversation_id"`
	Role            string      `json:"role"`
	Content         string      `json:"content"`
	CreatedAt       time.Time   `json:"created_at"`
	MessageMetadata interface{} `json:"message_metadata,omitempty"`
}

// ToDTO 把消息记录转换为响应结构；metadata 非法时置空而不是报错。
func (m *Message) ToDTO() MessageDTO {
	dto := MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if m.MessageMetadata != "" {
		var meta interface{}
		if err := json.Unmarshal([]byte(m.MessageMetadata), &meta); err == nil {
			dto.MessageMetadata = meta
		}
	}
	return dto
}
