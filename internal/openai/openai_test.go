package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chaaya/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func testConfig(url string) AzureConfig {
	return AzureConfig{
		Endpoint:   url + "/",
		APIKey:     "test-key",
		APIVersion: "2024-05-01-preview",
		Timeout:    5 * time.Second,
	}
}

func TestChatCompletion_RequestAndUsage(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "deployments/chat-dep")
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "2024-05-01-preview", r.URL.Query().Get("api-version"))
		assert.Equal(t, "test-key", r.Header.Get("api-key"))

		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Hello!"},
			}},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
		})
	}))
	defer server.Close()

	client := NewCompletionClient(testConfig(server.URL), "chat-dep", 0)
	result, err := client.ChatCompletion(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hey"},
		{Role: model.RoleUser, Content: "again"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", result.Content)
	assert.Equal(t, 42, result.InputTokens)
	assert.Equal(t, 7, result.OutputTokens)

	assert.Equal(t, float64(DefaultMaxCompletionTokens), body["max_completion_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "again", msgs[3].(map[string]any)["content"])
}

func TestChatCompletion_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "x", "choices": []any{}})
	}))
	defer server.Close()

	client := NewCompletionClient(testConfig(server.URL), "chat-dep", 256)
	_, err := client.ChatCompletion(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestChatCompletion_ErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"message": "overloaded", "type": "server_error"},
		})
	}))
	defer server.Close()

	client := NewCompletionClient(testConfig(server.URL), "chat-dep", 0)
	_, err := client.ChatCompletion(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat-dep")
	assert.Equal(t, int32(1), hits.Load())
}

// fakeAssistant serves the subset of the threads API the adapter uses.
func fakeAssistant(t *testing.T, statuses []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/threads", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusOK, map[string]any{"id": "thread_1", "object": "thread", "created_at": 1})
	})
	mux.HandleFunc("/openai/threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user", body["role"])
			assert.Equal(t, "help me", body["content"])
			writeJSON(w, http.StatusOK, map[string]any{"id": "msg_u", "object": "thread.message", "role": "user"})
			return
		}
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{
					"id": "msg_a", "object": "thread.message", "role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": map[string]any{"value": "Breathe.", "annotations": []any{}}},
					},
				},
				{
					"id": "msg_u", "object": "thread.message", "role": "user",
					"content": []map[string]any{
						{"type": "text", "text": map[string]any{"value": "help me", "annotations": []any{}}},
					},
				},
			},
			"has_more": false,
		})
	})
	mux.HandleFunc("/openai/threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst_1", body["assistant_id"])
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "object": "thread.run", "status": "queued"})
	})
	mux.HandleFunc("/openai/threads/thread_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		n := int(polls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "object": "thread.run", "status": statuses[n]})
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("api-key"))
		assert.NotEmpty(t, r.URL.Query().Get("api-version"))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &polls
}

func TestAssistantClient_Lifecycle(t *testing.T) {
	server, polls := fakeAssistant(t, []string{"in_progress", "completed"})
	client := NewAssistantClient(testConfig(server.URL), "asst_1")
	ctx := context.Background()

	threadID, err := client.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_1", threadID)

	require.NoError(t, client.PostMessage(ctx, threadID, "help me"))

	runID, err := client.CreateRun(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "run_1", runID)

	status, err := client.GetRun(ctx, threadID, runID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", status)
	status, err = client.GetRun(ctx, threadID, runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
	assert.Equal(t, int32(2), polls.Load())

	msgs, err := client.ListMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Breathe.", msgs[0].Text)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
}

func TestAssistantClient_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	client := NewAssistantClient(testConfig(server.URL), "asst_1")
	_, err := client.CreateThread(context.Background())
	assert.Error(t, err)
}
