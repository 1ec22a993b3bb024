package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"llm-webui-go/internal/config"
	"llm-webui-go/internal/model"
	"llm-webui-go/internal/repository"
	"llm-webui-go/pkg/llm"
	"llm-webui-go/pkg/log"

	"gorm.io/gorm"
)

// 无法从请求推导标题时的兜底标题。
const defaultTitle = "New Chat"

// 标题取自首条用户消息的前 50 个字符。
const titleMaxLen = 50

// ChatRequest 是一次聊天请求的全部输入。
// 生成参数使用指针以区分"未提供"与显式的零值。
type ChatRequest struct {
	Messages         []model.ChatMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	MaxTokens        *int                `json:"max_tokens"`
	Temperature      *float64            `json:"temperature"`
	TopP             *float64            `json:"top_p"`
	TopK             *int                `json:"top_k"`
	Stop             []string            `json:"stop"`
	SaveConversation bool                `json:"save_conversation"`
	ConversationID   uint                `json:"conversation_id"`
}

// ChatResult 是一次聊天生成的结果。ConversationID 仅在成功持久化后非零。
type ChatResult struct {
	Text           string
	TokensUsed     int
	ConversationID uint
}

// ChatService 定义了聊天请求的编排接口：校验、生成、可选持久化。
type ChatService interface {
	// Chat 同步生成完整回复。
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	// ChatStream 流式生成，增量片段按到达顺序回调 onFragment；
	// 持久化在全部片段收完之后进行。
	ChatStream(ctx context.Context, req *ChatRequest, onFragment func(fragment string) error) (*ChatResult, error)
}

type chatService struct {
	runtime  llm.Runtime
	repo     repository.ConversationRepository
	template llm.PromptTemplate
	defaults config.GenerationConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(runtime llm.Runtime, repo repository.ConversationRepository, template llm.PromptTemplate, defaults config.GenerationConfig) ChatService {
	return &chatService{
		runtime:  runtime,
		repo:     repo,
		template: template,
		defaults: defaults,
	}
}

// Chat 同步生成完整回复，并在要求持久化时保存本轮问答。
func (s *chatService) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	target, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	gen, err := s.runtime.Generate(ctx, s.template.Format(toLLMMessages(req.Messages)), s.buildParams(req))
	if err != nil {
		return nil, err
	}

	result := &ChatResult{Text: gen.Text, TokensUsed: gen.TokensUsed}
	if req.SaveConversation {
		// 同步模式下 tokens 统计随助手消息一起入库
		meta, _ := json.Marshal(map[string]int{"tokens_used": gen.TokensUsed})
		result.ConversationID = s.persistExchange(ctx, target, req.Messages, gen.Text, string(meta))
	}
	return result, nil
}

// ChatStream 流式生成；片段即时转发，持久化只在生成完整结束后尝试。
func (s *chatService) ChatStream(ctx context.Context, req *ChatRequest, onFragment func(fragment string) error) (*ChatResult, error) {
	target, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	gen, err := s.runtime.GenerateStream(ctx, s.template.Format(toLLMMessages(req.Messages)), s.buildParams(req), onFragment)
	if err != nil {
		return nil, err
	}

	result := &ChatResult{Text: gen.Text, TokensUsed: gen.TokensUsed}
	if req.SaveConversation {
		result.ConversationID = s.persistExchange(ctx, target, req.Messages, gen.Text, "")
	}
	return result, nil
}

// saveTarget 描述持久化目标：已存在的会话，或待创建会话的标题。
type saveTarget struct {
	existingID uint
	newTitle   string
}

// prepare 校验请求，并在要求持久化时解析目标会话。
// 任何校验失败都发生在调用模型运行时之前。
func (s *chatService) prepare(ctx context.Context, req *ChatRequest) (*saveTarget, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must be a non-empty list", ErrBadRequest)
	}
	for _, msg := range req.Messages {
		if msg.Role == "" || msg.Content == "" {
			return nil, fmt.Errorf("%w: each message must have role and content", ErrBadRequest)
		}
	}

	if !req.SaveConversation {
		return nil, nil
	}

	if req.ConversationID != 0 {
		if _, err := s.repo.FindConversationByID(ctx, req.ConversationID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: conversation not found", ErrNotFound)
			}
			return nil, err
		}
		return &saveTarget{existingID: req.ConversationID}, nil
	}
	return &saveTarget{newTitle: deriveTitle(req.Messages)}, nil
}

// persistExchange 保存本轮问答。持久化失败只记录日志并回滚，
// 不影响已经产出的生成结果；返回 0 表示未保存成功。
func (s *chatService) persistExchange(ctx context.Context, target *saveTarget, messages []model.ChatMessage, answer, assistantMeta string) uint {
	userMsg := lastUserMessage(messages)
	assistantMsg := &model.Message{
		Role:            "assistant",
		Content:         answer,
		MessageMetadata: assistantMeta,
	}

	if target.existingID != 0 {
		if err := s.repo.SaveExchange(ctx, target.existingID, userMsg, assistantMsg); err != nil {
			log.Errorf("Failed to save conversation: %v", err)
			return 0
		}
		return target.existingID
	}

	conv, err := s.repo.CreateConversationWithExchange(ctx, target.newTitle, userMsg, assistantMsg)
	if err != nil {
		log.Errorf("Failed to save conversation: %v", err)
		return 0
	}
	return conv.ID
}

// deriveTitle 从首条用户消息推导会话标题，超长时截取前 50 个字符加省略号。
func deriveTitle(messages []model.ChatMessage) string {
	for _, msg := range messages {
		if msg.Role == "user" {
			runes := []rune(msg.Content)
			if len(runes) > titleMaxLen {
				return string(runes[:titleMaxLen]) + "..."
			}
			return msg.Content
		}
	}
	return defaultTitle
}

// lastUserMessage 取提交列表中最后一条用户消息入库。
// 客户端重发多轮历史时仍按此字面语义处理，与既有客户端的预期一致。
func lastUserMessage(messages []model.ChatMessage) *model.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return &model.Message{Role: "user", Content: messages[i].Content}
		}
	}
	return nil
}

func (s *chatService) buildParams(req *ChatRequest) llm.GenerationParams {
	params := llm.GenerationParams{
		MaxTokens:   s.defaults.MaxTokens,
		Temperature: s.defaults.Temperature,
		TopP:        s.defaults.TopP,
		TopK:        s.defaults.TopK,
		Stop:        req.Stop,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.TopK != nil {
		params.TopK = *req.TopK
	}
	return params
}

func toLLMMessages(messages []model.ChatMessage) []llm.Message {
	msgs := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
