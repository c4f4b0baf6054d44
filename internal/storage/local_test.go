package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/internal/common"
)

func TestJobFileKey(t *testing.T) {
	tests := []struct {
		name, file, want string
	}{
		{"plain", "invoice.pdf", "org_1/jobs/job_1/invoice.pdf"},
		{"strips dirs", "../../etc/passwd", "org_1/jobs/job_1/passwd"},
		{"windows path", `C:\scans\a.png`, "org_1/jobs/job_1/a.png"},
		{"empty", "", "org_1/jobs/job_1/file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, JobFileKey("org_1", "job_1", tt.file))
		})
	}
	assert.Equal(t, JobFileKey("o", "j", "x.pdf"), JobFileKey("o", "j", "x.pdf"))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	key := JobFileKey("org_1", "job_1", "a.pdf")
	require.NoError(t, l.Put(ctx, key, []byte("%PDF-1.7"), "application/pdf"))

	data, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)

	require.NoError(t, l.Delete(ctx, key))
	_, err = l.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, common.ErrStorage)
	assert.Equal(t, common.CodeStorage, common.ErrorCode(err))
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	for _, key := range []string{"../outside", "/abs/key", "org/../../x", ""} {
		err := l.Put(ctx, key, []byte("x"), "")
		assert.ErrorIs(t, err, common.ErrInvalidInput, key)
	}
}
