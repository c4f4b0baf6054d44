package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/llm"
)

var _ llm.Extractor = (*Client)(nil)

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Extract asks the model for JSON data from the markdown, optionally shaped by a JSON Schema.
func (c *Client) Extract(ctx context.Context, req llm.ExtractRequest) (llm.ExtractionResult, error) {
	if c.cfg.APIKey == "" {
		return llm.ExtractionResult{}, common.NewExtractionError("extract", llm.ErrMissingAPIKey)
	}
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"markdown_len", len(req.Markdown),
		"has_schema", len(req.Schema) > 0,
		"has_hints", req.Hints != "",
	)

	cc, err := c.chat(ctx, rid, llm.BuildExtractionSystemPrompt(), llm.BuildExtractionUserPrompt(req))
	if err != nil {
		c.logger.Error("llm.extract.http_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.ExtractionResult{}, common.NewExtractionError("extract", err)
	}

	data, err := llm.ExtractJSONObject(cc.Choices[0].Message.Content)
	if err != nil {
		c.logger.Error("llm.extract.no_json", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.ExtractionResult{}, common.NewExtractionError("extract", err)
	}

	if len(req.Schema) > 0 {
		data, err = c.conform(rid, req.Schema, data)
		if err != nil {
			return llm.ExtractionResult{}, common.NewExtractionError("extract", err)
		}
	}

	model := cc.Model
	if model == "" {
		model = c.cfg.Model
	}
	out := llm.ExtractionResult{
		Data:     data,
		Usage:    llm.Usage{PromptTokens: cc.Usage.PromptTokens, CompletionTokens: cc.Usage.CompletionTokens},
		Model:    model,
		Provider: c.cfg.Provider,
	}
	c.logger.Info("llm.extract.ok",
		"req_id", rid,
		"bytes", len(data),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// conform validates data against schema. Lenient mode retries after dropping blank optionals
// and otherwise keeps the data with a warning; strict mode returns the mismatch.
func (c *Client) conform(rid string, schema json.RawMessage, data json.RawMessage) (json.RawMessage, error) {
	if _, err := llm.CompileSchema(schema); err != nil {
		// an unusable stored schema still allows free-form output
		c.logger.Warn("llm.extract.schema_unusable", "req_id", rid, "error", err)
		return data, nil
	}
	err := llm.ValidateJSONAgainstSchema(schema, data)
	if err == nil {
		return data, nil
	}
	cleaned, dropped, sErr := llm.SanitizeOptionalFields(schema, data)
	if sErr == nil && len(dropped) > 0 {
		if vErr := llm.ValidateJSONAgainstSchema(schema, cleaned); vErr == nil {
			c.logger.Warn("llm.extract.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
			return cleaned, nil
		}
	}
	if c.cfg.StrictSchema {
		c.logger.Error("llm.extract.schema_validation_failed", "req_id", rid, "error", err)
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	c.logger.Warn("llm.extract.schema_mismatch", "req_id", rid, "error", err)
	return data, nil
}

// GenerateSchema asks the model to describe a document with a reusable JSON Schema.
func (c *Client) GenerateSchema(ctx context.Context, req llm.GenerateSchemaRequest) (llm.GeneratedSchema, error) {
	if c.cfg.APIKey == "" {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", llm.ErrMissingAPIKey)
	}
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("llm.schema.start", "req_id", rid, "model", c.cfg.Model, "markdown_len", len(req.Markdown))

	cc, err := c.chat(ctx, rid, llm.BuildSchemaSystemPrompt(), llm.BuildSchemaUserPrompt(req))
	if err != nil {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", err)
	}
	raw, err := llm.ExtractJSONObject(cc.Choices[0].Message.Content)
	if err != nil {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", err)
	}
	var out llm.GeneratedSchema
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", fmt.Errorf("decode schema envelope: %w", err))
	}
	if len(out.JSONSchema) == 0 || out.Name == "" {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", fmt.Errorf("schema envelope missing name or jsonSchema"))
	}
	if _, err := llm.CompileSchema(out.JSONSchema); err != nil {
		return llm.GeneratedSchema{}, common.NewExtractionError("generate schema", err)
	}
	c.logger.Info("llm.schema.ok", "req_id", rid, "name", out.Name, "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// CheckHealth lists models; without an API key the LLM is optional and reported healthy.
func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.cfg.APIKey == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)
	return resp.StatusCode/100 == 2
}

func (c *Client) chat(ctx context.Context, rid, system, user string) (chatResponse, error) {
	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, _, err := llm.SendJSON(ctx, c.http, endpoint, body, map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	}, c.logger)
	if err != nil {
		return chatResponse{}, err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("llm.chat.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return chatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.chat.no_choices", "req_id", rid, "raw", string(raw))
		return chatResponse{}, fmt.Errorf("no choices in chat response")
	}
	return cc, nil
}
