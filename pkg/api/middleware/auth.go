package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/api/response"
)

const claimsKey contextKey = "jwt_claims"

var (
	errMissingToken = errors.New("missing bearer token")
	errExpiredToken = errors.New("token expired")
	errInvalidToken = errors.New("invalid token")
)

// Auth returns a middleware that requires an HS256 bearer token signed with
// cfg.Secret. When Issuer or Audience is configured the claim must match.
// Websocket clients that cannot set headers may pass the token as the
// access_token query parameter.
func Auth(cfg *config.AuthConfig) func(http.Handler) http.Handler {
	secret := []byte(cfg.Secret)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, secret)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="memlayer"`)
				response.Error(w, http.StatusUnauthorized, response.ErrCodeUnauthorized, err.Error(), GetRequestID(r.Context()))
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, secret []byte) (*jwt.RegisteredClaims, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, errMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errExpiredToken
	default:
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if isWebSocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// Subject returns the authenticated subject, or "" for anonymous requests.
func Subject(ctx context.Context) string {
	if claims, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims); ok {
		return claims.Subject
	}
	return ""
}
