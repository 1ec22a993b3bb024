package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"llm-webui-go/internal/model"
	"llm-webui-go/internal/repository"

	"gorm.io/gorm"
)

// ConversationService 定义了会话管理的业务接口。
type ConversationService interface {
	List(ctx context.Context) ([]model.ConversationDTO, error)
	Create(ctx context.Context, title string) (*model.ConversationDTO, error)
	// Get 返回会话及其全部消息（按创建时间排序）。
	Get(ctx context.Context, id uint) (*model.ConversationDTO, []model.MessageDTO, error)
	Rename(ctx context.Context, id uint, title string) (*model.ConversationDTO, error)
	Delete(ctx context.Context, id uint) error
	AddMessage(ctx context.Context, conversationID uint, role, content string, metadata interface{}) (*model.MessageDTO, error)
	RemoveMessage(ctx context.Context, conversationID, messageID uint) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

// List 按最近更新时间倒序返回全部会话。
func (s *conversationService) List(ctx context.Context) ([]model.ConversationDTO, error) {
	convs, counts, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.ConversationDTO, 0, len(convs))
	for i := range convs {
		dtos = append(dtos, convs[i].ToDTO(counts[convs[i].ID]))
	}
	return dtos, nil
}

// Create 创建一个新会话，标题缺省为 "New Chat"。
func (s *conversationService) Create(ctx context.Context, title string) (*model.ConversationDTO, error) {
	if title == "" {
		title = defaultTitle
	}
	conv, err := s.repo.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}
	dto := conv.ToDTO(0)
	return &dto, nil
}

// Get 返回会话及其全部消息。
func (s *conversationService) Get(ctx context.Context, id uint) (*model.ConversationDTO, []model.MessageDTO, error) {
	conv, err := s.repo.FindConversationByID(ctx, id)
	if err != nil {
		return nil, nil, mapNotFound(err)
	}
	msgs, err := s.repo.GetMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	msgDTOs := make([]model.MessageDTO, 0, len(msgs))
	for i := range msgs {
		msgDTOs = append(msgDTOs, msgs[i].ToDTO())
	}
	dto := conv.ToDTO(len(msgs))
	return &dto, msgDTOs, nil
}

// Rename 更新会话标题。
func (s *conversationService) Rename(ctx context.Context, id uint, title string) (*model.ConversationDTO, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrBadRequest)
	}
	conv, err := s.repo.UpdateConversationTitle(ctx, id, title)
	if err != nil {
		return nil, mapNotFound(err)
	}
	count, err := s.repo.CountMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := conv.ToDTO(count)
	return &dto, nil
}

// Delete 删除会话及其全部消息。
func (s *conversationService) Delete(ctx context.Context, id uint) error {
	if err := s.repo.DeleteConversation(ctx, id); err != nil {
		return mapNotFound(err)
	}
	return nil
}

// AddMessage 向会话追加一条消息，metadata 序列化为 JSON 文本存储。
func (s *conversationService) AddMessage(ctx context.Context, conversationID uint, role, content string, metadata interface{}) (*model.MessageDTO, error) {
	if role == "" || content == "" {
		return nil, fmt.Errorf("%w: missing required fields: role, content", ErrBadRequest)
	}

	var metaStr string
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid message_metadata", ErrBadRequest)
		}
		metaStr = string(b)
	}

	msg := &model.Message{
		ConversationID:  conversationID,
		Role:            role,
		Content:         content,
		MessageMetadata: metaStr,
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, mapNotFound(err)
	}
	dto := msg.ToDTO()
	return &dto, nil
}

// RemoveMessage 删除会话下的一条消息；消息不属于该会话时报 NotFound。
func (s *conversationService) RemoveMessage(ctx context.Context, conversationID, messageID uint) error {
	if err := s.repo.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return mapNotFound(err)
	}
	return nil
}

// mapNotFound 把存储层的未找到错误映射为业务层哨兵错误。
func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
