package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":    "chatcmpl-1",
			"model": "deepseek-chat",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": `{"1": 3, "2": 0}`},
			}},
			"usage": map[string]any{"prompt_tokens": 50, "completion_tokens": 9, "total_tokens": 59},
		})
	}))
	defer ts.Close()

	c := NewClient("k1", ts.URL+"/")
	resp, err := c.Complete(context.Background(), ChatRequest{
		Model:      "deepseek-chat",
		System:     "Be strict.",
		User:       []string{"Score these passages."},
		MaxTokens:  64,
		JSONObject: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"1": 3, "2": 0}`, resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 50, resp.InputTokens)
	assert.Equal(t, 9, resp.OutputTokens)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
}

func TestClient_Complete_NoSystemNoFormat(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"1"}}]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	resp, err := NewClient("k1", ts.URL).Complete(context.Background(), ChatRequest{
		Model: "gpt-4o-mini",
		User:  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Text)
	assert.Len(t, body["messages"], 2)
	assert.NotContains(t, body, "response_format")
}

func TestClient_Complete_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Resource has been exhausted","type":"rate_limit"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := NewClient("k1", ts.URL).Complete(context.Background(), ChatRequest{Model: "m", User: []string{"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: create chat completion")
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestClient_Complete_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := NewClient("k1", ts.URL).Complete(context.Background(), ChatRequest{Model: "m", User: []string{"x"}})
	assert.ErrorContains(t, err, "no choices")
}

func TestBaseURLFor(t *testing.T) {
	assert.Equal(t, DeepSeekBaseURL, BaseURLFor("DeepSeek"))
	assert.Equal(t, GeminiBaseURL, BaseURLFor("gemini"))
	assert.Equal(t, "", BaseURLFor("openai"))
}
