// Package logctx carries the correlation identifier on context.Context so a
// chain of tasks triggered from one originating request can be traced
// end-to-end across processes.
package logctx

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type correlationKey struct{}

// NewCorrelationID returns a fresh 32-character hex identifier.
func NewCorrelationID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id bound to the context, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns the context's correlation id, generating and
// binding a new one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}
