package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/tarotjournal/tarotjournal/internal/api/models"
)

// CronSecret guards scheduler-only endpoints with a shared bearer secret.
// An unset secret disables the endpoints with 503.
func CronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				models.NewServiceUnavailable(GetRequestID(r.Context()), "scheduled jobs are not configured").
					WithInstance(r.URL.Path).
					Write(w)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeUnauthorized(w, r, "invalid cron secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
