package gateway

import "context"

type ctxKey string

const (
	clientIDKey       ctxKey = "clientID"
	idempotencyKeyKey ctxKey = "idempotencyKey"
)

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

func idempotencyKeyFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(idempotencyKeyKey).(string); ok {
		return value
	}
	return ""
}
