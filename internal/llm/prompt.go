package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

const extractionSystemPrompt = "You are a data extraction assistant. Extract structured data from the provided markdown content. " +
	"Return ONLY valid JSON, no markdown formatting or explanation."

const schemaSystemPrompt = `You are a JSON schema generator. Analyze the provided document and generate a JSON schema that can be used to extract structured data from similar documents.

Return ONLY a valid JSON object with this exact structure:
{
  "name": "A descriptive name for this schema",
  "description": "Description of what this schema extracts",
  "jsonSchema": { ... the JSON Schema definition ... }
}

Do not include any markdown formatting or explanation. Just the JSON object.`

// BuildExtractionSystemPrompt returns the system message for data extraction.
func BuildExtractionSystemPrompt() string {
	return extractionSystemPrompt
}

// BuildExtractionUserPrompt embeds the schema (when given) and the document markdown.
func BuildExtractionUserPrompt(req ExtractRequest) string {
	var b strings.Builder
	if len(req.Schema) > 0 {
		b.WriteString("Extract data from the following markdown content according to this JSON schema:\n\nSchema:\n")
		b.WriteString(indentJSON(req.Schema))
		b.WriteString("\n\n")
	} else {
		b.WriteString("Extract all relevant structured data from the following markdown content and return it as JSON:\n\n")
	}
	if h := strings.TrimSpace(req.Hints); h != "" {
		b.WriteString("User hints about what to extract: ")
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	if len(req.Schema) > 0 {
		b.WriteString("Markdown Content:\n")
	}
	b.WriteString(req.Markdown)
	return b.String()
}

// BuildSchemaSystemPrompt returns the system message for schema generation.
func BuildSchemaSystemPrompt() string {
	return schemaSystemPrompt
}

// BuildSchemaUserPrompt asks for a schema describing documents like markdown.
func BuildSchemaUserPrompt(req GenerateSchemaRequest) string {
	var b strings.Builder
	b.WriteString("Analyze this document and generate a JSON schema for extracting structured data.\n\n")
	if h := strings.TrimSpace(req.Hints); h != "" {
		b.WriteString("User hints about what to extract: ")
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	b.WriteString("Document content:\n")
	b.WriteString(req.Markdown)
	return b.String()
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
