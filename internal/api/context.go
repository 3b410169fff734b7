package api

import (
	"context"

	"github.com/org/passvault/internal/auth"
)

type contextKey string

const (
	ctxKeyClaims    contextKey = "claims"
	ctxKeyRequestID contextKey = "request_id"
)

func withClaims(ctx context.Context, c *auth.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

func claimsFromCtx(ctx context.Context) *auth.AccessClaims {
	c, _ := ctx.Value(ctxKeyClaims).(*auth.AccessClaims)
	return c
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
