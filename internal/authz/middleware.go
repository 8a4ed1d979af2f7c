package authz

import (
	"encoding/json"
	"net/http"
)

// RequireOwner rejects requests without an owner header and puts the owner
// id on the request context for downstream handlers.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerFromHeader(r)
		if owner == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "missing_owner",
				"message": "the " + OwnerHeader + " header is required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}
