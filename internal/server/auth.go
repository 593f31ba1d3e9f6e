// Package server provides the OpenFlock HTTP surface. Authentication is
// split like the ports: JWT for the control plane (operators, viewers),
// a pre-shared Bearer token for the data plane (agents).
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vesaa/openflock/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Auth holds the credential material, built once at startup from config.
type Auth struct {
	jwtSecret  []byte
	agentToken string
	adminUser  string
	adminHash  []byte
}

// NewAuth prepares the auth state. A plain admin_pass is hashed here so
// the rest of the process only ever sees the bcrypt hash.
func NewAuth(cfg *config.Config) (*Auth, error) {
	hash := []byte(cfg.AdminPassHash)
	if len(hash) == 0 {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPass), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing admin password: %w", err)
		}
		hash = h
	}
	return &Auth{
		jwtSecret:  []byte(cfg.JWTSecret),
		agentToken: cfg.AgentToken,
		adminUser:  cfg.AdminUser,
		adminHash:  hash,
	}, nil
}

// CheckCredentials verifies an operator login.
func (a *Auth) CheckCredentials(user, pass string) bool {
	if user != a.adminUser {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.adminHash, []byte(pass)) == nil
}

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func (a *Auth) GenerateJWT(username string) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "openflock",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func (a *Auth) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTMiddleware guards control-plane routes. The token comes from the
// Authorization header or, for browser websocket clients that cannot set
// headers, a ?token= query parameter.
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenStr == "" {
			tokenStr = c.Query("token")
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := a.parseJWT(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// AgentTokenMiddleware guards data-plane routes with the pre-shared key.
func (a *Auth) AgentTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if token != a.agentToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
			return
		}
		c.Next()
	}
}
