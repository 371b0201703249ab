package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
	// Now overrides the clock used for exp and nbf checks.
	Now func() time.Time
}

type userKey struct{}

func withUser(ctx context.Context, u rbac.UserContext) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func userFromContext(ctx context.Context) (rbac.UserContext, huma.StatusError) {
	if u, ok := ctx.Value(userKey{}).(rbac.UserContext); ok && u.UserID != "" {
		return u, nil
	}
	return rbac.UserContext{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// authenticateJWT verifies an HS256 token and maps sub and roles onto a
// user context. The token id becomes the session id.
func authenticateJWT(token string, cfg AuthConfig) (rbac.UserContext, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return rbac.UserContext{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return rbac.UserContext{}, err
	}
	if !parsed.Valid {
		return rbac.UserContext{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return rbac.UserContext{}, errors.New("subject claim required")
	}
	return rbac.UserContext{
		UserID:    claims.Subject,
		Roles:     claims.Roles,
		SessionID: claims.ID,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// newAuthMiddleware requires a bearer token on every route under basePath
// except health and the OpenAPI document.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	logger := logging.Or(cfg.Logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			u, err := authenticateJWT(token, cfg)
			if err != nil {
				logger.Warn("rejected bearer token", "path", req.URL.Path, "remote", clientIP(req.RemoteAddr), "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			u.IPAddress = clientIP(req.RemoteAddr)
			u.UserAgent = req.UserAgent()
			next.ServeHTTP(w, req.WithContext(withUser(req.Context(), u)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
