/*
auth.go - Bearer token authentication

PURPOSE:
  Turns "Authorization: Bearer <jwt>" into an allocation.Actor on the
  request context. The engine trusts the actor it is given; this is the
  only place identity is established.

TOKENS:
  HS256, claims:
    sub   actor ID (requester, donor or admin ID)
    role  "requester" | "donor" | "admin"
    exp   required

SEE ALSO:
  - allocation/types.go: Actor, Role
  - scenarios.go: issues demo tokens for seeded users
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/warp/bloodbank/allocation"
)

const issuer = "bloodbank"

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	Role allocation.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates access tokens.
type Authenticator struct {
	signingKey []byte
	now        func() time.Time
}

func NewAuthenticator(signingKey string) *Authenticator {
	return &Authenticator{signingKey: []byte(signingKey), now: time.Now}
}

// Issue signs a token for actor valid for ttl.
func (a *Authenticator) Issue(actor allocation.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(a.signingKey)
}

var errUnauthorized = errors.New("unauthorized")

// Validate parses tokenString and returns its actor.
func (a *Authenticator) Validate(tokenString string) (allocation.Actor, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return a.signingKey, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return allocation.Actor{}, errors.New("token has expired")
		}
		return allocation.Actor{}, errUnauthorized
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return allocation.Actor{}, errUnauthorized
	}
	return allocation.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := a.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

type actorKey struct{}

func WithActor(ctx context.Context, a allocation.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the authenticated actor. The zero Actor has no role
// and is refused by every engine operation.
func ActorFrom(ctx context.Context) allocation.Actor {
	a, _ := ctx.Value(actorKey{}).(allocation.Actor)
	return a
}
