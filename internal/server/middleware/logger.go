package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request when it arrives and again when its
// handler returns. For upgraded connections the second line marks the
// end of the WebSocket session.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if ok {
				ip = reqMeta.IP
			}

			started := time.Now()
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)

			attrs := []any{slog.String("uri", r.RequestURI), slog.Duration("duration", time.Since(started))}
			if ok && reqMeta.UserID != "" {
				attrs = append(attrs, slog.String("userID", reqMeta.UserID))
			}
			logger.Debug("HTTP request finished", attrs...)
		})
	}
}
