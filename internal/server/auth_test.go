package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/openflock/internal/config"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(&config.Config{
		JWTSecret:  "test-secret",
		AgentToken: "agent-psk",
		AdminUser:  "admin",
		AdminPass:  "hunter2",
	})
	require.NoError(t, err)
	return a
}

func TestCheckCredentials(t *testing.T) {
	a := testAuth(t)
	assert.True(t, a.CheckCredentials("admin", "hunter2"))
	assert.False(t, a.CheckCredentials("admin", "wrong"))
	assert.False(t, a.CheckCredentials("root", "hunter2"))
}

func TestJWTRoundTrip(t *testing.T) {
	a := testAuth(t)
	token, err := a.GenerateJWT("admin")
	require.NoError(t, err)

	claims, err := a.parseJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "openflock", claims.Issuer)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	a := testAuth(t)
	other, err := NewAuth(&config.Config{JWTSecret: "other-secret", AdminPass: "x"})
	require.NoError(t, err)

	token, err := other.GenerateJWT("admin")
	require.NoError(t, err)

	_, err = a.parseJWT(token)
	assert.Error(t, err)
}

func protectedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestJWTMiddleware(t *testing.T) {
	a := testAuth(t)
	r := protectedRouter(a.JWTMiddleware())
	token, err := a.GenerateJWT("admin")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"header token", "Bearer " + token, "", http.StatusOK},
		{"query token", "", token, http.StatusOK},
		{"missing token", "", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/protected"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAgentTokenMiddleware(t *testing.T) {
	a := testAuth(t)
	r := protectedRouter(a.AgentTokenMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer agent-psk")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
