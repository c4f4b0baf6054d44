package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusExtracting, true},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusExtracting, JobStatusCompleted, true},
		{JobStatusExtracting, JobStatusFailed, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusFailed, JobStatusProcessing, true},
		{JobStatusCompleted, JobStatusCompleted, true},

		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusExtracting, false},
		{JobStatusExtracting, JobStatusProcessing, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatus("bogus"), JobStatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
}

func TestOCRFileType(t *testing.T) {
	ft, ok := OCRFileType("application/pdf")
	assert.True(t, ok)
	assert.Equal(t, OCRFileTypePDF, ft)

	ft, ok = OCRFileType("image/png; charset=binary")
	assert.True(t, ok)
	assert.Equal(t, OCRFileTypeImage, ft)

	_, ok = OCRFileType("text/html")
	assert.False(t, ok)
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.True(t, IsJobID(id), id)
	assert.Len(t, id, len("job_")+16)
	assert.NotEqual(t, id, NewJobID())
}
