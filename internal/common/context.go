package common

import "context"

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID      contextKey = "request_id"
	ContextKeyOrganizationID contextKey = "organization_id"
	ContextKeyUserID         contextKey = "user_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithIdentity stores the resolved organization and user.
func WithIdentity(ctx context.Context, organizationID, userID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyOrganizationID, organizationID)
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// IdentityFromContext returns the organization and user stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (organizationID, userID string) {
	organizationID, _ = ctx.Value(ContextKeyOrganizationID).(string)
	userID, _ = ctx.Value(ContextKeyUserID).(string)
	return organizationID, userID
}
