package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/model"
)

const defaultLeeway = 30 * time.Second

// JWTAuthenticator returns middleware that verifies HMAC-signed bearer
// tokens issued by the identity service and stores the verified claims in
// the request context.
func JWTAuthenticator(cfg config.IdentityConfig, secret []byte) func(http.Handler) http.Handler {
	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{jwt.SigningMethodHS256.Alg()}
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = defaultLeeway
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		if len(secret) == 0 {
			return nil, errors.New("no signing secret configured")
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := auth[7:]

			token, err := jwt.Parse(tokenStr, keyFunc,
				jwt.WithValidMethods(algorithms),
				jwt.WithIssuer(cfg.Issuer),
				jwt.WithAudience(cfg.Audience),
				jwt.WithLeeway(leeway),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
