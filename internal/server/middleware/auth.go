package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie carries the token for browsers that cannot set headers on
// a WebSocket handshake.
const SessionCookie = "session-token"

type PermissionCompiler func(names []string) (state.Permission, error)

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// bearerToken reads the Authorization header, falling back to the session
// cookie.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// NewAuthMiddleware verifies an HMAC-signed JWT and records its subject and
// permissions on the request metadata. Tokens without a perms claim get
// defaultPerms.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string, pCompiler PermissionCompiler, defaultPerms state.Permission) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("JWT token missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			claims := &AppClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if claims.Subject == "" {
				logger.Warn("Valid token missing 'sub' claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			perms := defaultPerms
			if claims.Permissions != nil {
				perms, err = pCompiler(claims.Permissions)
				if err != nil {
					logger.Error("Token contains unregistered permissions",
						slog.String("ip", reqMeta.IP),
						slog.Any("error", err),
					)
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}
			reqMeta.UserID = claims.Subject
			reqMeta.Permissions = perms
			next.ServeHTTP(w, r)
		})
	}
}
