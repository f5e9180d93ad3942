package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the caller identity. Role accepts the names used by this
// service or the numeric ids of the legacy client (1 caregiver, 2 client,
// 3 admin).
type Claims struct {
	jwt.RegisteredClaims
	Role RoleClaim `json:"role"`
	Name string    `json:"name,omitempty"`
}

type RoleClaim scheduling.Role

var legacyRoles = map[int]scheduling.Role{
	1: scheduling.RoleCaregiver,
	2: scheduling.RoleClient,
	3: scheduling.RoleAdmin,
}

func (r *RoleClaim) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		role, ok := legacyRoles[n]
		if !ok {
			return fmt.Errorf("unknown role %d", n)
		}
		*r = RoleClaim(role)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("role must be a string or number: %w", err)
	}
	*r = RoleClaim(strings.ToLower(s))
	return nil
}

// Tokens signs and verifies HS256 identity tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue mints a token for actor. Used by the seed tool and tests; production
// tokens come from the identity provider.
func (t *Tokens) Issue(actor scheduling.Actor, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleClaim(actor.Role),
		Name: actor.Name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a raw token and returns the actor it names.
func (t *Tokens) Verify(raw string) (scheduling.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return scheduling.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return scheduling.Actor{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	role := scheduling.Role(claims.Role)
	if !role.Valid() {
		return scheduling.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return scheduling.Actor{UserID: id, Role: role, Name: claims.Name}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type actorKey struct{}

func WithActor(ctx context.Context, actor scheduling.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (scheduling.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(scheduling.Actor)
	return actor, ok
}
