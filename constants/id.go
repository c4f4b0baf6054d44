package constants

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ID prefixes for rows created by this service.
const (
	IDPrefixJob    = "job"
	IDPrefixSchema = "sch"
	IDPrefixAPIKey = "ak"
)

var jobIDPattern = regexp.MustCompile(`^job_[a-zA-Z0-9_-]+$`)

// NewID returns "<prefix>_<16 hex chars>".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:16]
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return NewID(IDPrefixJob)
}

// IsJobID reports whether s looks like a job id.
func IsJobID(s string) bool {
	return jobIDPattern.MatchString(s)
}
