package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationLifecycle(t *testing.T) {
	env := setupEnv(t)

	// 创建
	w := env.do(http.MethodPost, "/conversations", `{"title": "我的会话"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID    uint   `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "我的会话", created.Title)

	// 空请求体创建走默认标题
	w = env.do(http.MethodPost, "/conversations", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var second struct {
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, "New Chat", second.Title)

	// 追加消息
	w = env.do(http.MethodPost, fmt.Sprintf("/conversations/%d/messages", created.ID),
		`{"role": "user", "content": "hello", "message_metadata": {"tokens": 3}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var msg struct {
		ID              uint                   `json:"id"`
		ConversationID  uint                   `json:"conversation_id"`
		MessageMetadata map[string]interface{} `json:"message_metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, created.ID, msg.ConversationID)
	assert.Equal(t, float64(3), msg.MessageMetadata["tokens"])

	// 详情带消息
	w = env.do(http.MethodGet, fmt.Sprintf("/conversations/%d", created.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Conversation struct {
			MessageCount int `json:"message_count"`
		} `json:"conversation"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, 1, detail.Conversation.MessageCount)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "hello", detail.Messages[0].Content)

	// 列表按最近更新排序，刚追加过消息的会话在前
	w = env.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Conversations []struct {
			ID uint `json:"id"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, created.ID, list.Conversations[0].ID)

	// 重命名
	w = env.do(http.MethodPut, fmt.Sprintf("/conversations/%d", created.ID), `{"title": "renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// 删除消息
	w = env.do(http.MethodDelete, fmt.Sprintf("/conversations/%d/messages/%d", created.ID, msg.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	// 删除会话
	w = env.do(http.MethodDelete, fmt.Sprintf("/conversations/%d", created.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, fmt.Sprintf("/conversations/%d", created.ID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConversationNotFound(t *testing.T) {
	env := setupEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/conversations/999", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPut, "/conversations/999", `{"title":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/conversations/999", "").Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/conversations/999/messages", `{"role":"user","content":"x"}`).Code)
}

func TestConversationInvalidID(t *testing.T) {
	env := setupEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/conversations/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodDelete, "/conversations/0", "").Code)
}

func TestAddMessageValidation(t *testing.T) {
	env := setupEnv(t)

	w := env.do(http.MethodPost, "/conversations", `{"title": "chat"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(http.MethodPost, fmt.Sprintf("/conversations/%d/messages", created.ID), `{"content": "no role"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, fmt.Sprintf("/conversations/%d/messages", created.ID), `{"role": "user"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteMessageWrongConversation(t *testing.T) {
	env := setupEnv(t)

	wA := env.do(http.MethodPost, "/conversations", `{"title": "a"}`)
	wB := env.do(http.MethodPost, "/conversations", `{"title": "b"}`)
	var convA, convB struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(wA.Body.Bytes(), &convA))
	require.NoError(t, json.Unmarshal(wB.Body.Bytes(), &convB))

	w := env.do(http.MethodPost, fmt.Sprintf("/conversations/%d/messages", convA.ID),
		`{"role": "user", "content": "hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var msg struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))

	w = env.do(http.MethodDelete, fmt.Sprintf("/conversations/%d/messages/%d", convB.ID, msg.ID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
