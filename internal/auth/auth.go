// Package auth is the narrow contract with the external identity provider.
// The core trusts a user id once authenticated and performs no further
// authorization itself; the login flow lives in the collaborator.
package auth

import (
	"context"
	"errors"
	"net/http"
)

var ErrUnauthenticated = errors.New("not authenticated")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider resolves the authenticated user for a request.
type Provider interface {
	IsAuthenticated(r *http.Request) bool
	CurrentUser(r *http.Request) (User, error)
}

type ctxKey struct{}

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the authenticated user placed by the middleware.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)

	return u, ok
}

// HeaderProvider trusts identity headers set by the fronting auth proxy,
// which owns the actual login dance with the identity provider.
type HeaderProvider struct {
	IDHeader    string
	EmailHeader string
}

var _ Provider = (*HeaderProvider)(nil)

func NewHeaderProvider() *HeaderProvider {
	return &HeaderProvider{
		IDHeader:    "X-User-Id",
		EmailHeader: "X-User-Email",
	}
}

func (p *HeaderProvider) IsAuthenticated(r *http.Request) bool {
	return r.Header.Get(p.IDHeader) != ""
}

func (p *HeaderProvider) CurrentUser(r *http.Request) (User, error) {
	id := r.Header.Get(p.IDHeader)
	if id == "" {
		return User{}, ErrUnauthenticated
	}

	return User{ID: id, Email: r.Header.Get(p.EmailHeader)}, nil
}
