package client

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// IdentityClaims is the token payload issued by the platform identity
// service. Subject carries the user ID.
type IdentityClaims struct {
	Role  string   `json:"role"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IdentityVerifier turns bearer tokens into service actors. Credentials are
// issued and checked by the identity service; this only validates the
// HS256 signature and standard claims.
type IdentityVerifier struct {
	secret    []byte
	issuer    string
	adminRole repository.Role
	now       func() time.Time
}

// NewIdentityVerifier creates a verifier. An empty issuer is not checked.
func NewIdentityVerifier(secret, issuer, adminRole string) *IdentityVerifier {
	return &IdentityVerifier{
		secret:    []byte(secret),
		issuer:    issuer,
		adminRole: repository.NormalizeRole(adminRole),
		now:       time.Now,
	}
}

// Verify parses token and returns the actor it identifies. The primary role
// is the "role" claim; holding the admin role in either claim grants
// administrative rights.
func (v *IdentityVerifier) Verify(token string) (service.Actor, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return service.Actor{}, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return service.Actor{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}

	actor := service.Actor{
		ID:   claims.Subject,
		Role: repository.NormalizeRole(claims.Role),
	}
	if actor.ID == "" || actor.Role.IsZero() {
		return service.Actor{}, errors.New(errors.ErrCodeUnauthorized, "token lacks subject or role")
	}
	actor.Admin = actor.Role == v.adminRole
	for _, r := range claims.Roles {
		if repository.NormalizeRole(r) == v.adminRole {
			actor.Admin = true
		}
	}
	return actor, nil
}

// Issue signs a token for actor. The identity service is the real issuer;
// this serves local tooling and tests.
func (v *IdentityVerifier) Issue(userID, role string, extraRoles []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := IdentityClaims{
		Role:  role,
		Roles: extraRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
