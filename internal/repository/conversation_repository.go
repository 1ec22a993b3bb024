// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"llm-webui-go/internal/model"
	"llm-webui-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 消息历史缓存的保留时长，与会话的活跃周期对应。
const historyCacheTTL = 7 * 24 * time.Hour

// ConversationRepository 定义了会话与消息的持久化操作。
// 未命中的记录以 gorm.ErrRecordNotFound 返回，由上层映射为 NotFound。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	FindConversationByID(ctx context.Context, id uint) (*model.Conversation, error)
	// ListConversations 按最近更新时间倒序返回全部会话，以及各会话的消息条数。
	ListConversations(ctx context.Context) ([]model.Conversation, map[uint]int, error)
	UpdateConversationTitle(ctx context.Context, id uint, title string) (*model.Conversation, error)
	// DeleteConversation 级联删除会话及其全部消息。
	DeleteConversation(ctx context.Context, id uint) error

	GetMessages(ctx context.Context, conversationID uint) ([]model.Message, error)
	CountMessages(ctx context.Context, conversationID uint) (int, error)
	// AppendMessage 追加一条消息并在同一事务内刷新会话的 updated_at。
	AppendMessage(ctx context.Context, msg *model.Message) error
	// DeleteMessage 删除指定会话下的一条消息；消息不属于该会话时视为未找到。
	DeleteMessage(ctx context.Context, conversationID, messageID uint) error
	// SaveExchange 在一个事务内保存一轮问答（用户消息可为 nil）并刷新 updated_at。
	SaveExchange(ctx context.Context, conversationID uint, userMsg, assistantMsg *model.Message) error
	// CreateConversationWithExchange 在一个事务内创建会话并写入首轮问答。
	CreateConversationWithExchange(ctx context.Context, title string, userMsg, assistantMsg *model.Message) (*model.Conversation, error)
}

// conversationRepository 是 GORM 实现，外加一层可选的 Redis 消息历史缓存。
type conversationRepository struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
// rdb 为 nil 时不启用缓存。
func NewConversationRepository(db *gorm.DB, rdb *redis.Client) ConversationRepository {
	return &conversationRepository{db: db, rdb: rdb}
}

// CreateConversation 在数据库中创建一个新的会话记录。
func (r *conversationRepository) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	conv := &model.Conversation{Title: title}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

// FindConversationByID 根据 ID 查找一个会话。
func (r *conversationRepository) FindConversationByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations 按最近更新时间倒序检索全部会话及消息条数。
func (r *conversationRepository) ListConversations(ctx context.Context) ([]model.Conversation, map[uint]int, error) {
	var convs []model.Conversation
	if err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&convs).Error; err != nil {
		return nil, nil, err
	}

	type countRow struct {
		ConversationID uint
		Cnt            int
	}
	var rows []countRow
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS cnt").
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, nil, err
	}

	counts := make(map[uint]int, len(rows))
	for _, row := range rows {
		counts[row.ConversationID] = row.Cnt
	}
	return convs, counts, nil
}

// UpdateConversationTitle 更新会话标题并返回更新后的记录。
func (r *conversationRepository) UpdateConversationTitle(ctx context.Context, id uint, title string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conv, id).Error; err != nil {
			return err
		}
		conv.Title = title
		return tx.Save(&conv).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation 在一个事务内先删子消息再删会话，保证不留孤儿记录。
func (r *conversationRepository) DeleteConversation(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		if err := tx.First(&conv, id).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&conv).Error
	})
	if err != nil {
		return err
	}
	r.invalidateHistory(ctx, id)
	return nil
}

// GetMessages 按创建时间顺序返回会话的全部消息，优先读缓存。
func (r *conversationRepository) GetMessages(ctx context.Context, conversationID uint) ([]model.Message, error) {
	if cached, ok := r.historyFromCache(ctx, conversationID); ok {
		return cached, nil
	}

	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	r.historyToCache(ctx, conversationID, msgs)
	return msgs, nil
}

// CountMessages 返回会话的消息条数。
func (r *conversationRepository) CountMessages(ctx context.Context, conversationID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	return int(count), err
}

// AppendMessage 追加一条消息；消息写入与 updated_at 刷新在同一事务内可见。
func (r *conversationRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		if err := tx.First(&conv, msg.ConversationID).Error; err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return touchConversation(tx, msg.ConversationID)
	})
	if err != nil {
		return err
	}
	r.invalidateHistory(ctx, msg.ConversationID)
	return nil
}

// DeleteMessage 删除指定会话下的一条消息。
func (r *conversationRepository) DeleteMessage(ctx context.Context, conversationID, messageID uint) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Delete(&model.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	r.invalidateHistory(ctx, conversationID)
	return nil
}

// SaveExchange 保存一轮问答。要么整体可见（消息与 updated_at），要么全部回滚。
func (r *conversationRepository) SaveExchange(ctx context.Context, conversationID uint, userMsg, assistantMsg *model.Message) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if userMsg != nil {
			userMsg.ConversationID = conversationID
			if err := tx.Create(userMsg).Error; err != nil {
				return err
			}
		}
		assistantMsg.ConversationID = conversationID
		if err := tx.Create(assistantMsg).Error; err != nil {
			return err
		}
		return touchConversation(tx, conversationID)
	})
	if err != nil {
		return err
	}
	r.invalidateHistory(ctx, conversationID)
	return nil
}

// CreateConversationWithExchange 创建会话并写入首轮问答；生成失败时不会留下空会话。
func (r *conversationRepository) CreateConversationWithExchange(ctx context.Context, title string, userMsg, assistantMsg *model.Message) (*model.Conversation, error) {
	conv := &model.Conversation{Title: title}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		if userMsg != nil {
			userMsg.ConversationID = conv.ID
			if err := tx.Create(userMsg).Error; err != nil {
				return err
			}
		}
		assistantMsg.ConversationID = conv.ID
		return tx.Create(assistantMsg).Error
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func touchConversation(tx *gorm.DB, id uint) error {
	return tx.Model(&model.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// --- 消息历史缓存 ---

func historyKey(conversationID uint) string {
	return fmt.Sprintf("conversation:%d:messages", conversationID)
}

// historyFromCache 尝试从 Redis 读取消息历史；任何缓存故障都只降级不报错。
func (r *conversationRepository) historyFromCache(ctx context.Context, conversationID uint) ([]model.Message, bool) {
	if r.rdb == nil {
		return nil, false
	}
	jsonData, err := r.rdb.Get(ctx, historyKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Warnf("failed to read history cache: %v", err)
		return nil, false
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(jsonData), &msgs); err != nil {
		log.Warnf("failed to unmarshal cached history: %v", err)
		return nil, false
	}
	return msgs, true
}

func (r *conversationRepository) historyToCache(ctx context.Context, conversationID uint, msgs []model.Message) {
	if r.rdb == nil {
		return
	}
	jsonData, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, historyKey(conversationID), jsonData, historyCacheTTL).Err(); err != nil {
		log.Warnf("failed to write history cache: %v", err)
	}
}

func (r *conversationRepository) invalidateHistory(ctx context.Context, conversationID uint) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, historyKey(conversationID)).Err(); err != nil {
		log.Warnf("failed to invalidate history cache: %v", err)
	}
}
