package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// Role is the capability class assigned by the identity provider.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
)

var (
	// ErrUnauthenticated is returned when no verified identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the identity lacks a required role.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the verified subject handed to the engine by the identity
// provider. It is never built from client-controlled fields.
type Identity struct {
	UserID string
	Role   Role
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// Require checks that ctx carries an identity with one of the allowed roles.
func Require(ctx context.Context, allowed ...Role) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	if !slices.Contains(allowed, id.Role) {
		return Identity{}, errors.Wrapf(ErrForbidden, "role %q", id.Role)
	}
	return id, nil
}
