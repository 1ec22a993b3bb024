package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"llm-webui-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupRepo 用内存 SQLite 建一个独立的仓库实例。
func setupRepo(t *testing.T) ConversationRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Conversation{}, &model.Message{}))
	return NewConversationRepository(db, nil)
}

func TestCreateAndFindConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "第一个会话")
	require.NoError(t, err)
	require.NotZero(t, conv.ID)

	found, err := repo.FindConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "第一个会话", found.Title)

	_, err = repo.FindConversationByID(ctx, 9999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListConversationsOrder(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first, err := repo.CreateConversation(ctx, "older")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := repo.CreateConversation(ctx, "newer")
	require.NoError(t, err)

	// 给旧会话追加消息，它应当回到列表首位
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.AppendMessage(ctx, &model.Message{
		ConversationID: first.ID, Role: "user", Content: "hi",
	}))

	convs, counts, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
	assert.Equal(t, 1, counts[first.ID])
	assert.Equal(t, 0, counts[second.ID])
}

func TestAppendMessageTouchesUpdatedAt(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	before := conv.UpdatedAt

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.AppendMessage(ctx, &model.Message{
		ConversationID: conv.ID, Role: "user", Content: "hello",
	}))

	after, err := repo.FindConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, !after.UpdatedAt.Before(before), "updated_at went backwards")
	assert.True(t, after.UpdatedAt.After(before), "updated_at not refreshed")
}

func TestAppendMessageToMissingConversation(t *testing.T) {
	repo := setupRepo(t)

	err := repo.AppendMessage(context.Background(), &model.Message{
		ConversationID: 42, Role: "user", Content: "hello",
	})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDeleteConversationCascades(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "doomed")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendMessage(ctx, &model.Message{
			ConversationID: conv.ID, Role: "user", Content: fmt.Sprintf("msg %d", i),
		}))
	}

	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))

	_, err = repo.FindConversationByID(ctx, conv.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// 不能留下孤儿消息
	msgs, err := repo.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, repo.DeleteConversation(ctx, conv.ID), gorm.ErrRecordNotFound)
}

func TestDeleteMessageScopedToConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	convA, err := repo.CreateConversation(ctx, "a")
	require.NoError(t, err)
	convB, err := repo.CreateConversation(ctx, "b")
	require.NoError(t, err)

	msg := &model.Message{ConversationID: convA.ID, Role: "user", Content: "hi"}
	require.NoError(t, repo.AppendMessage(ctx, msg))

	// 消息属于 A，带着 B 的会话 ID 删除必须报未找到
	assert.ErrorIs(t, repo.DeleteMessage(ctx, convB.ID, msg.ID), gorm.ErrRecordNotFound)

	require.NoError(t, repo.DeleteMessage(ctx, convA.ID, msg.ID))
	msgs, err := repo.GetMessages(ctx, convA.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSaveExchange(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	before := conv.UpdatedAt

	time.Sleep(10 * time.Millisecond)
	userMsg := &model.Message{Role: "user", Content: "question"}
	assistantMsg := &model.Message{Role: "assistant", Content: "answer", MessageMetadata: `{"tokens_used":10}`}
	require.NoError(t, repo.SaveExchange(ctx, conv.ID, userMsg, assistantMsg))

	msgs, err := repo.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, `{"tokens_used":10}`, msgs[1].MessageMetadata)

	after, err := repo.FindConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before))
}

func TestSaveExchangeWithoutUserMessage(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, repo.SaveExchange(ctx, conv.ID, nil, &model.Message{Role: "assistant", Content: "answer"}))

	msgs, err := repo.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
}

func TestCreateConversationWithExchange(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversationWithExchange(ctx, "标题",
		&model.Message{Role: "user", Content: "q"},
		&model.Message{Role: "assistant", Content: "a"},
	)
	require.NoError(t, err)
	require.NotZero(t, conv.ID)

	msgs, err := repo.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conv.ID, msgs[0].ConversationID)
	assert.Equal(t, conv.ID, msgs[1].ConversationID)
}
