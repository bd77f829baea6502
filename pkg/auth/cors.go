package auth

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware handles Cross-Origin Resource Sharing via go-chi/cors.
// An empty allowedOrigins means all origins are allowed, the teacher's
// dev-mode default.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Operator-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}
