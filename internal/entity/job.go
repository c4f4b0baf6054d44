package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
)

// Job is the persisted lifecycle record of one document-processing request.
type Job struct {
	ID               string              `json:"id"`
	OrganizationID   string              `json:"organizationId"`
	UserID           string              `json:"userId"`
	Type             constants.JobType   `json:"type"`
	Status           constants.JobStatus `json:"status"`
	FileName         string              `json:"fileName"`
	FileKey          *string             `json:"fileKey"`
	FileSize         int64               `json:"fileSize"`
	MimeType         string              `json:"mimeType"`
	SourceURL        *string             `json:"sourceUrl"`
	SchemaID         *string             `json:"schemaId"`
	Hints            *string             `json:"hints,omitempty"`
	LLMProvider      *string             `json:"llmProvider,omitempty"`
	LLMModel         *string             `json:"llmModel,omitempty"`
	MarkdownResult   *string             `json:"markdownResult"`
	JSONResult       json.RawMessage     `json:"jsonResult,omitempty"`
	PageCount        *int                `json:"pageCount"`
	TokenCount       *int                `json:"tokenCount"`
	ErrorCode        *string             `json:"errorCode"`
	ErrorMessage     *string             `json:"errorMessage"`
	RetryCount       int                 `json:"retryCount"`
	StartedAt        *time.Time          `json:"startedAt"`
	CompletedAt      *time.Time          `json:"completedAt"`
	ProcessingTimeMs *int64              `json:"processingTimeMs"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// NeedsFetch is true when the worker still has to download the source URL.
func (j *Job) NeedsFetch() bool {
	return StringValue(j.FileKey) == "" && StringValue(j.SourceURL) != ""
}

// JobUpdate is a partial update; nil fields are left unchanged.
// UpdatedAt is always rewritten by the store.
type JobUpdate struct {
	Status           *constants.JobStatus
	FileName         *string
	FileKey          *string
	FileSize         *int64
	MimeType         *string
	LLMProvider      *string
	LLMModel         *string
	MarkdownResult   *string
	JSONResult       json.RawMessage
	PageCount        *int
	TokenCount       *int
	ErrorCode        *string
	ErrorMessage     *string
	RetryCount       *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMs *int64
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// StringValue dereferences p, "" for nil.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
