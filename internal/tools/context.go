package tools

import "context"

type contextKey string

const sessionKeyKey contextKey = "session_key"
const userIDKey contextKey = "user_id"

// WithSession attaches the session key and acting user to the context
// so session-scoped tools resolve the right conversation.
func WithSession(ctx context.Context, sessionKey, userID string) context.Context {
	ctx = context.WithValue(ctx, sessionKeyKey, sessionKey)
	return context.WithValue(ctx, userIDKey, userID)
}

// SessionKeyFromContext extracts the session key. Returns "default"
// if not set.
func SessionKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(sessionKeyKey).(string); ok && key != "" {
		return key
	}
	return "default"
}

// UserIDFromContext extracts the acting user id, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
