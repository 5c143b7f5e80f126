package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки токена администратора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey int

const claimsKey ctxKey = iota

// WithClaims кладет проверенные claims в контекст запроса.
func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom достает claims, положенные middleware.
func ClaimsFrom(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.CustomClaims)
	return c, ok && c != nil
}

// AdminID — идентификатор администратора из контекста (пустая строка, если нет).
func AdminID(ctx context.Context) string {
	if c, ok := ClaimsFrom(ctx); ok {
		return c.UserID
	}
	return ""
}

// NewMiddleware пропускает только запросы с валидным токеном и scope admin.
// 401 — нет токена или он невалиден, 403 — токен валиден, но прав нет.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// EventSource в браузере не умеет ставить заголовки
				authHeader = r.URL.Query().Get("access_token")
			}
			if authHeader == "" {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err), zap.String("path", r.URL.Path))
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !claims.IsAdmin() {
				logger.Warn("admin scope missing", zap.String("user_id", claims.UserID), zap.String("path", r.URL.Path))
				deny(w, http.StatusForbidden, domain.ErrNotAdmin.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// deny отвечает тем же JSON-конвертом ошибки, что и хендлеры консоли.
func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
