package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func authRouter(t *testing.T, passwordHash string) (*gin.Engine, *Auth) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth, err := NewAuth(passwordHash, "")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/api/auth/login", auth.Login)
	r.GET("/api/auth/status", auth.Status)
	r.GET("/api/protected", auth.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r, auth
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	r, _ := authRouter(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/protected", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Authenticated)
	assert.False(t, status.AuthRequired)
}

func TestAuthRejectsWithoutCookie(t *testing.T) {
	r, _ := authRouter(t, hashPassword(t, "secret"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginAndAccess(t *testing.T) {
	r, _ := authRouter(t, hashPassword(t, "secret"))

	body, _ := json.Marshal(gin.H{"password": "secret"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/protected", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	r, _ := authRouter(t, hashPassword(t, "secret"))

	body, _ := json.Marshal(gin.H{"password": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidTokenRejectsGarbage(t *testing.T) {
	_, auth := authRouter(t, hashPassword(t, "secret"))

	assert.False(t, auth.validToken("not-a-jwt"))

	// A token signed with a different secret must not validate.
	other, err := NewAuth(hashPassword(t, "secret"), "")
	require.NoError(t, err)
	token, err := other.issueToken()
	require.NoError(t, err)
	assert.False(t, auth.validToken(token))
	assert.True(t, other.validToken(token))
}
