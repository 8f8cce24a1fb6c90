// Package tenant resolves the agency and user a request acts for.
// Authentication happens upstream; by the time a request reaches genrelay the
// gateway has already put the caller's identity in the X-Agency-ID and X-User-ID headers.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Header names carrying the authenticated identity.
const (
	HeaderAgencyID = "X-Agency-ID"
	HeaderUserID   = "X-User-ID"
)

// ErrUnauthenticated is returned when a request carries no tenant identity.
var ErrUnauthenticated = errors.New("tenant: request is not authenticated")

// Identity is the authenticated agency and user behind a request.
type Identity struct {
	AgencyID string
	UserID   string
}

type contextKey string

const identityKey contextKey = "tenant_identity"

// FromRequest reads the identity headers.
func FromRequest(r *http.Request) (Identity, error) {
	id := Identity{
		AgencyID: strings.TrimSpace(r.Header.Get(HeaderAgencyID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
	}
	if id.AgencyID == "" || id.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware rejects requests without an identity with 401 and stores the
// identity in the request context otherwise.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := FromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "authentication required",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}
