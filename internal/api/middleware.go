// Package api implements the tessera REST API using chi.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/starford/tessera/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
	AuthModeJWT      = "jwt"
)

// HeaderClientID carries the originator id of an editing session.
const HeaderClientID = "X-Client-Id"

// Headers naming the caller when the credential itself does not.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

const anonymousUser = "anonymous"

// Auth selects how callers are authenticated.
type Auth struct {
	Mode      string
	Token     string
	JWTSecret string
}

// Claims are the JWT claims accepted in jwt mode. Subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity stored by AuthMiddleware.
func IdentityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey{}).(models.Identity)
	return id
}

// AuthMiddleware authenticates the request and stores the caller identity
// in its context. The client id comes from X-Client-Id, or a fresh one.
func AuthMiddleware(auth Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authenticate(auth, r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			id.ClientID = r.Header.Get(HeaderClientID)
			if id.ClientID == "" {
				id.ClientID = uuid.NewString()
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func headerIdentity(r *http.Request, fallback string) models.Identity {
	id := models.Identity{UserID: r.Header.Get(HeaderUserID), DisplayName: r.Header.Get(HeaderUserName)}
	if id.UserID == "" {
		id.UserID = fallback
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id
}

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
		return tok, true
	}
	// EventSource cannot set headers.
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}

func authenticate(auth Auth, r *http.Request) (models.Identity, error) {
	switch auth.Mode {
	case "", AuthModeDisabled:
		return headerIdentity(r, anonymousUser), nil
	case AuthModeToken:
		tok, ok := bearer(r)
		if !ok || tok != auth.Token {
			return models.Identity{}, errors.New("invalid token")
		}
		return headerIdentity(r, anonymousUser), nil
	case AuthModeJWT:
		tok, ok := bearer(r)
		if !ok {
			return models.Identity{}, errors.New("missing token")
		}
		claims, err := ParseToken(auth.JWTSecret, tok)
		if err != nil {
			return models.Identity{}, err
		}
		name := claims.Name
		if name == "" {
			name = claims.Subject
		}
		return models.Identity{UserID: claims.Subject, DisplayName: name}, nil
	}
	return models.Identity{}, fmt.Errorf("unknown auth mode %q", auth.Mode)
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// SignToken issues an HS256 token for userID valid for ttl.
func SignToken(secret, userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// CORS returns the cross-origin middleware. An empty origin list allows any
// origin without credentials.
func CORS(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"If-Match",
			HeaderClientID,
			HeaderUserID,
			HeaderUserName,
		},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) == 0 || origins[0] == "*" {
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	}
	return cors.Handler(opts)
}
