package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"labbook/internal/model"
)

type ctxKey string

const ctxKeyActor ctxKey = "actor"

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(ctxKeyActor).(model.Actor)
	return a, ok
}

// Claims carried by bearer tokens. The subject is the user id.
type Claims struct {
	Name     string `json:"name"`
	UserType string `json:"user_type"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator for secret. An empty issuer
// disables the issuer check.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// IssueToken signs a token for actor, valid for ttl.
func (a *Authenticator) IssueToken(actor model.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     actor.Name,
		UserType: string(actor.UserType),
		Role:     string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates tokenStr and returns the actor it names.
func (a *Authenticator) Parse(tokenStr string) (model.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return model.Actor{}, err
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.Subject == "" {
		return model.Actor{}, errors.New("invalid token")
	}

	role, err := model.ParseRole(c.Role)
	if err != nil {
		return model.Actor{}, err
	}
	actor := model.Actor{UserID: c.Subject, Name: c.Name, Role: role}
	// An unknown user type is kept empty so booking fails with a validation error.
	if ut, err := model.ParseUserType(c.UserType); err == nil {
		actor.UserType = ut
	}
	return actor, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenStr) == "" {
			WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		actor, err := a.Parse(strings.TrimSpace(tokenStr))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
