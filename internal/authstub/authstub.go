// Package authstub provides the pluggable authentication seam the
// transports call before registering a connection. A full JWT validator is
// explicitly out of scope (see SPEC_FULL.md); this package ships only a
// trivial header-based development implementation behind the same
// interface a production implementation would satisfy.
package authstub

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("authstub: missing or invalid credentials")

// Identity is what a successful authentication resolves to: the connecting
// user, their tenant, and the roles used by Broadcast's audience filter
// (spec §9 Open Question 2).
type Identity struct {
	UserID   uuid.UUID
	TenantID string
	Roles    []string
}

// Authenticator resolves an inbound HTTP request (the WS upgrade request,
// the SSE/long-poll request) to an Identity.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts three plain headers: X-User-Id, X-Tenant-Id,
// and X-Roles (comma-separated). It exists to make the transports runnable
// in development and in tests without a real identity provider. It is the
// only Authenticator in this module, and cmd wires it in unconditionally.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	tenantID := r.Header.Get("X-Tenant-Id")
	var roles []string
	if rolesHeader := r.Header.Get("X-Roles"); rolesHeader != "" {
		for _, part := range strings.Split(rolesHeader, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				roles = append(roles, trimmed)
			}
		}
	}
	return Identity{UserID: userID, TenantID: tenantID, Roles: roles}, nil
}
