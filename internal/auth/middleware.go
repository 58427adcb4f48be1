// internal/auth/middleware.go
// Bearer token authentication for the notification API.
// Tokens are issued by the platform's auth service; this service only verifies them.

package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/imadgeboyega/studyhub-backend/internal/common/utils"
)

type contextKey string

const (
	userIDKey   contextKey = "userID"
	emailKey    contextKey = "email"
	usernameKey contextKey = "username"
	roleKey     contextKey = "role"
)

// Middleware provides authentication middleware
type Middleware struct {
	secret     string
	staffRoles map[string]struct{}
	logger     *zap.Logger
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(secret string, staffRoles []string, logger *zap.Logger) *Middleware {
	roles := make(map[string]struct{}, len(staffRoles))
	for _, r := range staffRoles {
		roles[r] = struct{}{}
	}
	return &Middleware{
		secret:     secret,
		staffRoles: roles,
		logger:     logger,
	}
}

// Authenticate verifies the JWT and adds user information to the request context
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			utils.RespondWithError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
			return
		}

		claims, err := utils.ValidateJWT(token, m.secret)
		if err != nil {
			m.logger.Debug("rejected token", zap.Error(err), zap.String("path", r.URL.Path))
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		// Refresh tokens are not accepted on API routes
		if claims.Type != "access" {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid token type")
			return
		}

		ctx := WithUser(r.Context(), claims.UserID, claims.Role)
		ctx = context.WithValue(ctx, emailKey, claims.Email)
		ctx = context.WithValue(ctx, usernameKey, claims.Username)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireStaff allows only staff roles through. Use after Authenticate.
func (m *Middleware) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserIDFromContext(r.Context()); !ok {
			utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !m.IsStaff(r.Context()) {
			utils.RespondWithError(w, http.StatusForbidden, "Staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsStaff reports whether the authenticated user holds a staff role
func (m *Middleware) IsStaff(ctx context.Context) bool {
	role, _ := GetRoleFromContext(ctx)
	_, ok := m.staffRoles[role]
	return ok
}

// extractToken extracts the JWT token from the "Bearer <token>" Authorization header.
// Browsers cannot set headers on websocket upgrades, so those may pass access_token
// in the query string instead.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return r.URL.Query().Get("access_token")
		}
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// WithUser stores the caller identity on ctx
func WithUser(ctx context.Context, userID int64, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// GetUserIDFromContext extracts user ID from request context
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}

// GetRoleFromContext extracts the role claim from request context
func GetRoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// GetEmailFromContext extracts email from request context
func GetEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(emailKey).(string)
	return email, ok
}
