package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin — право на команды pause/resume/trigger и чтение журналов.
const ScopeAdmin = "admin"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true
	jwt.RegisteredClaims
}

// IsAdmin проверяет наличие админского scope в токене.
func (c *CustomClaims) IsAdmin() bool {
	return c != nil && c.Scopes[ScopeAdmin]
}
