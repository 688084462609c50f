package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

type CORSOptions struct {
	Origins []string
	Methods []string
	Headers []string
	MaxAge  time.Duration
}

// CORSMiddleware answers preflight requests itself. Credentials are only
// allowed for explicitly listed origins, never through the "*" wildcard.
func CORSMiddleware(opts CORSOptions) func(http.Handler) http.Handler {
	wildcard := slices.Contains(opts.Origins, "*")
	methods := strings.Join(opts.Methods, ", ")
	headers := strings.Join(opts.Headers, ", ")
	maxAge := strconv.Itoa(int(opts.MaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			h.Add("Vary", "Origin")

			switch {
			case origin != "" && slices.Contains(opts.Origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			}

			h.Set("Access-Control-Expose-Headers", "Content-Disposition")

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
