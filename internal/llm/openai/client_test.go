package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/llm"
)

func chatServer(t *testing.T, content string, check func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(r, body)
		}
		resp := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
			"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtract(t *testing.T) {
	srv := chatServer(t, "```json\n{\"total\": 42}\n```", func(r *http.Request, body map[string]any) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, llm.BuildExtractionSystemPrompt(), msgs[0].(map[string]any)["content"])
	})
	c := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, nil)

	res, err := c.Extract(context.Background(), llm.ExtractRequest{
		Markdown: "Total: 42",
		Schema:   json.RawMessage(`{"type":"object","properties":{"total":{"type":"number"}}}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total": 42}`, string(res.Data))
	assert.Equal(t, 150, res.Usage.Total())
	assert.Equal(t, "test-model", res.Model)
	assert.Equal(t, "openrouter", res.Provider)
}

func TestExtractSchemaMismatch(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["total"],"properties":{"total":{"type":"number"}}}`)
	srv := chatServer(t, `{"vendor": "ACME"}`, nil)

	lenient := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	res, err := lenient.Extract(context.Background(), llm.ExtractRequest{Markdown: "x", Schema: schema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vendor": "ACME"}`, string(res.Data))

	strict := NewClient(Config{APIKey: "k", BaseURL: srv.URL, StrictSchema: true}, nil)
	_, err = strict.Extract(context.Background(), llm.ExtractRequest{Markdown: "x", Schema: schema})
	assert.ErrorIs(t, err, common.ErrExtraction)
}

func TestExtractMissingAPIKey(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Extract(context.Background(), llm.ExtractRequest{Markdown: "x"})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
	assert.ErrorIs(t, err, common.ErrExtraction)
	assert.Equal(t, common.CodeExtraction, common.ErrorCode(err))

	_, err = c.GenerateSchema(context.Background(), llm.GenerateSchemaRequest{Markdown: "x"})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
	assert.True(t, c.CheckHealth(context.Background()))
}

func TestExtractProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)

	_, err := c.Extract(context.Background(), llm.ExtractRequest{Markdown: "x"})
	var se *llm.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.ErrorIs(t, err, common.ErrExtraction)
}

func TestGenerateSchema(t *testing.T) {
	srv := chatServer(t, `{"name":"Invoice","description":"Invoice fields","jsonSchema":{"type":"object","properties":{"total":{"type":"number"}}}}`, nil)
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)

	gs, err := c.GenerateSchema(context.Background(), llm.GenerateSchemaRequest{Markdown: "Total 1"})
	require.NoError(t, err)
	assert.Equal(t, "Invoice", gs.Name)
	_, err = llm.CompileSchema(gs.JSONSchema)
	assert.NoError(t, err)

	bad := chatServer(t, `{"name":"Broken","jsonSchema":{"type": 5}}`, nil)
	c = NewClient(Config{APIKey: "k", BaseURL: bad.URL}, nil)
	_, err = c.GenerateSchema(context.Background(), llm.GenerateSchemaRequest{Markdown: "Total 1"})
	assert.ErrorIs(t, err, common.ErrExtraction)
}
