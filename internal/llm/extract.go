package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var reCodeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSONObject recovers a JSON object from model output: the first fenced block when present,
// then the span from the first '{' to the last '}'.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	s := text
	if m := reCodeFence.FindStringSubmatch(text); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("no JSON content found in response")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return nil, errors.New("no valid JSON object found in response")
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, errors.New("response JSON object is malformed")
	}
	return json.RawMessage(candidate), nil
}
