package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aiox-platform/aigov/internal/api"
)

// Middleware resolves the bearer token into a Principal for the governance
// handlers. Requests without a token get 401; a token that fails validation or
// carries malformed ids gets 401 with "invalid or expired token".
func Middleware(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(token)
			if err != nil {
				slog.Debug("rejecting access token", "error", err, "path", r.URL.Path)
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			p, err := claims.Principal()
			if err != nil {
				slog.Debug("rejecting token claims", "error", err, "uid", claims.UserID)
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
