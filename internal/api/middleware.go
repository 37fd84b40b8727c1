// Package api implements the MCComm HTTP endpoint and the admin REST API.
// Admin requests are authenticated with HS256 bearer tokens whose perms
// claim grants monitor, control or configure access.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/config"
)

// Permission levels for admin access.
const (
	PermMonitor   = "monitor"   // read participants, channels, session, audit
	PermControl   = "control"   // moderate participants, manage binding keys
	PermConfigure = "configure" // change configuration and channel settings
)

// Context keys set by RequireAuth.
const (
	ctxSubject = "admin_subject"
	ctxPerms   = "admin_perms"
)

// localAdmin is the subject used when auth is disabled.
const localAdmin = "local-admin"

// Claims are the admin token claims.
type Claims struct {
	Perms []string `json:"perms"`
	jwt.RegisteredClaims
}

// IssueToken signs an admin token for subject carrying perms.
func IssueToken(secret, issuer, subject string, perms []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Perms: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an admin token's signature, issuer and expiry.
func ParseToken(secret, issuer, token string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// AuthMiddleware verifies admin bearer tokens and enforces permissions.
type AuthMiddleware struct {
	cfg *config.Config
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg}
}

// RequireAuth returns a Gin middleware that verifies bearer tokens.
// When auth_disabled is set, every request is treated as a local admin.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		security := am.cfg.GetApplicationData().Security
		if security.AuthDisabled {
			c.Set(ctxSubject, localAdmin)
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			c.Abort()
			return
		}

		claims, err := ParseToken(security.JWTSecret, security.JWTIssuer, token)
		if err != nil {
			log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("admin token rejected")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxPerms, claims.Perms)
		c.Next()
	}
}

// RequirePermission returns a middleware that checks the token's perms.
// configure implies control, and control implies monitor.
func (am *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.cfg.GetApplicationData().Security.AuthDisabled {
			c.Next()
			return
		}

		raw, exists := c.Get(ctxPerms)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		if !hasPermission(raw.([]string), permission) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": permission,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

var permRank = map[string]int{
	PermMonitor:   1,
	PermControl:   2,
	PermConfigure: 3,
}

func hasPermission(granted []string, required string) bool {
	if slices.Contains(granted, required) {
		return true
	}
	need := permRank[required]
	for _, p := range granted {
		if permRank[p] > need {
			return true
		}
	}
	return false
}

// subject returns the authenticated admin for audit actor fields.
func subject(c *gin.Context) string {
	if v, ok := c.Get(ctxSubject); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "admin"
}
