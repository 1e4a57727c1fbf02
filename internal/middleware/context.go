package middleware

import (
	"context"

	"github.com/streamvault/entitlements/internal/models"
)

type contextKey string

const (
	ctxPrincipalKey contextKey = "principal"
	ctxPlatformKey  contextKey = "platform"
	ctxClientKey    contextKey = "client"
)

// PrincipalFromCtx returns the authenticated caller or nil.
func PrincipalFromCtx(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*models.Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// PlatformFromCtx returns the validated X-Platform tag or "".
func PlatformFromCtx(ctx context.Context) string {
	p, _ := ctx.Value(ctxPlatformKey).(string)
	return p
}

// WithPlatform returns a context carrying the platform tag.
func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, ctxPlatformKey, platform)
}

// ClientFromCtx returns the calling application resolved from X-API-Key, or nil.
func ClientFromCtx(ctx context.Context) *models.APIKey {
	k, _ := ctx.Value(ctxClientKey).(*models.APIKey)
	return k
}

// WithClient returns a context carrying the calling application.
func WithClient(ctx context.Context, k *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxClientKey, k)
}
