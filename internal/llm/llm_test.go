package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "Here you go:\n```json\n{\"a\": [1, 2]}\n```\nthanks", `{"a": [1, 2]}`, false},
		{"fence without lang", "```\n{\"b\":true}\n```", `{"b":true}`, false},
		{"prose around", `Sure! {"total": 42} is the answer.`, `{"total": 42}`, false},
		{"no object", "I could not find anything", "", true},
		{"empty", "   ", "", true},
		{"malformed", `{"a": }`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestValidateJSONAgainstSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["total"],"properties":{"total":{"type":"number"},"note":{"type":"string"}}}`)
	assert.NoError(t, ValidateJSONAgainstSchema(schema, []byte(`{"total": 12.5}`)))
	assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(`{"note": "x"}`)))
	assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(`not json`)))

	_, err := CompileSchema(json.RawMessage(`{"type": 12}`))
	assert.Error(t, err)
}

func TestSanitizeOptionalFields(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["total"],"properties":{"total":{"type":["number","null"]},"note":{"type":"string"}}}`)
	out, dropped, err := SanitizeOptionalFields(schema, []byte(`{"total": null, "note": null, "vendor": "  "}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total": null}`, string(out))
	assert.Equal(t, []string{"note(null)", "vendor(empty)"}, dropped)
	assert.NoError(t, ValidateJSONAgainstSchema(schema, out))
}

func TestPrompts(t *testing.T) {
	withSchema := BuildExtractionUserPrompt(ExtractRequest{
		Markdown: "# Invoice",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Hints:    "totals only",
	})
	assert.Contains(t, withSchema, "according to this JSON schema")
	assert.Contains(t, withSchema, "\"type\": \"object\"")
	assert.Contains(t, withSchema, "totals only")
	assert.Contains(t, withSchema, "Markdown Content:\n# Invoice")

	free := BuildExtractionUserPrompt(ExtractRequest{Markdown: "# Invoice"})
	assert.Contains(t, free, "Extract all relevant structured data")

	assert.Contains(t, BuildSchemaUserPrompt(GenerateSchemaRequest{Markdown: "doc", Hints: "dates"}), "User hints about what to extract: dates")
	assert.Equal(t, 7, Usage{PromptTokens: 3, CompletionTokens: 4}.Total())
}
