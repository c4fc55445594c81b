package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/elskow/warden/internal/token"
)

// Define a custom type for context keys
type contextKey string

const (
	// PrincipalContextKey is the key used to store the caller in the context
	PrincipalContextKey contextKey = "principal"
)

// Principal is the authenticated caller of a protected endpoint.
type Principal struct {
	UserID         string
	TokenID        string
	Application    string
	OrganizationID string
	Roles          []string
	Permissions    []string
}

type AuthMiddleware struct {
	issuer *token.Issuer
}

func NewAuthMiddleware(issuer *token.Issuer) *AuthMiddleware {
	return &AuthMiddleware{issuer: issuer}
}

func (m *AuthMiddleware) AuthenticationMiddleware(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	raw := strings.TrimSpace(values[0])
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}

	claims, err := m.issuer.Parse(raw)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	return context.WithValue(ctx, PrincipalContextKey, &Principal{
		UserID:         claims.Subject,
		TokenID:        claims.ID,
		Application:    claims.Application,
		OrganizationID: claims.OrganizationID,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
	}), nil
}

// PrincipalFromContext returns the caller stored by AuthenticationMiddleware.
func PrincipalFromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("principal not found in context")
	}
	return p, nil
}
