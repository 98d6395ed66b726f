package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/listingiq/listingiq/internal/config"
)

// ErrUnauthenticated means the request carried no usable credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// DevUser is the principal every request runs as when dev authentication is on.
const DevUser = "dev_user"

// Authenticator resolves a request to a principal id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// JWTAuthenticator verifies HS256 bearer tokens and uses the subject as principal.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	leeway   time.Duration
}

func NewJWTAuthenticator(secret, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), audience: audience, leeway: 60 * time.Second}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// APIKeyAuthenticator accepts the X-API-Key header. Each key maps to its own
// principal derived from the key's hash.
type APIKeyAuthenticator struct {
	keys []string
}

func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	provided := r.Header.Get("X-API-Key")
	if provided == "" {
		return "", ErrUnauthenticated
	}
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
			sum := sha256.Sum256([]byte(key))
			return "apikey:" + hex.EncodeToString(sum[:6]), nil
		}
	}
	return "", fmt.Errorf("%w: invalid API key", ErrUnauthenticated)
}

// Chained tries each authenticator in order. The first success wins; a
// presented-but-invalid credential stops the chain.
type Chained []Authenticator

func (c Chained) Authenticate(r *http.Request) (string, error) {
	for _, a := range c {
		user, err := a.Authenticate(r)
		if err == nil {
			return user, nil
		}
		if err != ErrUnauthenticated {
			return "", err
		}
	}
	return "", ErrUnauthenticated
}

// NewAuthenticator builds the authenticator described by cfg.
func NewAuthenticator(cfg *config.Config) Authenticator {
	var chain Chained
	if cfg.JWTSecret != "" {
		chain = append(chain, NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTAudience))
	}
	if len(cfg.APIKeys) > 0 {
		chain = append(chain, NewAPIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.DevAuth {
		chain = append(chain, AuthenticatorFunc(func(*http.Request) (string, error) {
			return DevUser, nil
		}))
	}
	return chain
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for EventSource and WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Auth resolves the caller and stores the principal in the request context.
// Health and metrics endpoints are exempt.
func Auth(authn Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v1/health" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			user, err := authn.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="listingiq"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal returns the authenticated caller stored by Auth.
func Principal(ctx context.Context) string {
	user, _ := ctx.Value(principalKey).(string)
	return user
}
