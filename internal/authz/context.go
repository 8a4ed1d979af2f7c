package authz

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

// OwnerHeader carries the recipient identity on API requests.
const OwnerHeader = "X-Owner-ID"

// WithOwner stores the owner id on the context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerIDFromContext(ctx context.Context) (string, bool) {
	oid, ok := ctx.Value(ownerIDKey).(string)
	if !ok || oid == "" {
		return "", false
	}
	return oid, true
}

func OwnerIDFromRequest(r *http.Request) (string, bool) {
	return OwnerIDFromContext(r.Context())
}

func ownerFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OwnerHeader))
}
