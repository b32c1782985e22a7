package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
)

const userKey contextKey = "user"

var (
	errUnauthorized = errors.New("missing or invalid token")
	errWrongRole    = errors.New("not permitted for this role")
)

// Claims carried by access tokens. Tokens are issued elsewhere and signed
// with the shared HS256 secret.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type user struct {
	ID   string
	Role string
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || claims.Subject == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		if claims.Role != RoleDriver {
			claims.Role = RoleRider
		}
		tagUser(r.Context(), claims.Subject)
		ctx := context.WithValue(r.Context(), userKey, user{ID: claims.Subject, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so ?token= is accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func requireRole(role string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()).Role != role {
			writeErrorStatus(w, http.StatusForbidden, "forbidden", errWrongRole.Error())
			return
		}
		h(w, r)
	}
}

func userFrom(ctx context.Context) user {
	u, _ := ctx.Value(userKey).(user)
	return u
}
