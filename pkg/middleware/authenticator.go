package middleware

import (
	"context"
	"net/http"
	"strings"

	"messengerService/pkg/api"
)

type ctxKey int

const identityKey ctxKey = 0

// Authenticator verifies the opaque bearer token on every request and stores
// the resolved identity in the request context. The token is read from the
// Authorization header first, then from the "token" query param so websocket
// upgrades can authenticate too.
func Authenticator(verifier api.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idToken := findToken(r, tokenFromHeader, tokenFromQuery)
			if idToken == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), idToken)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by Authenticator.
func IdentityFromContext(ctx context.Context) (api.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(api.Identity)
	return identity, ok
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
