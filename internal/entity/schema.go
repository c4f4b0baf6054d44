package entity

import (
	"encoding/json"
	"time"
)

// ExtractionSchema is a saved JSON Schema used by extract jobs.
type ExtractionSchema struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	JSONSchema     json.RawMessage `json:"jsonSchema"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Identity is the organization/user pair a credential resolves to.
type Identity struct {
	OrganizationID string
	UserID         string
}
