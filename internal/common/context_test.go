package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityFromContext(t *testing.T) {
	org, user := IdentityFromContext(context.Background())
	assert.Empty(t, org)
	assert.Empty(t, user)

	ctx := WithRequestID(WithIdentity(context.Background(), "org_1", "user_1"), "req_1")
	org, user = IdentityFromContext(ctx)
	assert.Equal(t, "org_1", org)
	assert.Equal(t, "user_1", user)
	assert.Equal(t, "req_1", RequestIDFromContext(ctx))
}
