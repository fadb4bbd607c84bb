package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns the cross-origin middleware for the dashboard. With no origins
// configured only the local dashboard is allowed. A "*" origin disables
// credentials, since browsers reject credentials with a wildcard origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(corsOptions(allowedOrigins))
}

func corsOptions(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition", "Retry-After"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
