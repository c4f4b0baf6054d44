package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// SanitizeOptionalFields drops null or blank values of properties the schema does not require,
// so a document with sloppy optionals can still validate. Required fields are never touched.
func SanitizeOptionalFields(schema json.RawMessage, doc []byte) ([]byte, []string, error) {
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var dropped []string
	for k, v := range m {
		if slices.Contains(s.Required, k) {
			continue
		}
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		case string:
			if ts := strings.TrimSpace(t); ts == "" || strings.EqualFold(ts, "null") {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			}
		}
	}
	slices.Sort(dropped)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}
