package httpapi

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/sserelay/relay/internal/logging"
)

// corsHandler allows any origin and answers preflight requests directly.
func corsHandler(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{logging.RequestIDHeader},
		MaxAge:         600,
	}).Handler(next)
}
