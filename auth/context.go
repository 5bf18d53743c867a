package auth

import (
	"context"
	"strings"

	"github.com/agentpay/spendguard"
)

type callerKey struct{}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller spendguard.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (spendguard.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(spendguard.Caller)
	return caller, ok
}

// BearerToken extracts the token from an Authorization header value.
// It returns "" when the scheme is not Bearer.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
