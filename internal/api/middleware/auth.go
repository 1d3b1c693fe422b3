package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	cookieName    = "ticketd_auth"
	tokenDuration = 24 * time.Hour
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	AuthRequired  bool `json:"auth_required"`
}

// Auth guards the API with a single admin password. When no password hash is
// configured the middleware passes everything through (development mode).
type Auth struct {
	passwordHash string
	secret       []byte
}

func NewAuth(passwordHash, secretHex string) (*Auth, error) {
	a := &Auth{passwordHash: passwordHash}

	if secretHex != "" {
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			return nil, err
		}
		a.secret = secret
		return a, nil
	}

	// No configured secret: sessions do not survive restarts.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	a.secret = secret
	return a, nil
}

func (a *Auth) enabled() bool {
	return a.passwordHash != ""
}

func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled() {
			c.Next()
			return
		}

		token, err := c.Cookie(cookieName)
		if err != nil || !a.validToken(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

func (a *Auth) Login(c *gin.Context) {
	if !a.enabled() {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	token, err := a.issueToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Auth) Logout(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Auth) Status(c *gin.Context) {
	resp := StatusResponse{AuthRequired: a.enabled()}
	if !a.enabled() {
		resp.Authenticated = true
		c.JSON(http.StatusOK, resp)
		return
	}
	if token, err := c.Cookie(cookieName); err == nil {
		resp.Authenticated = a.validToken(token)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Auth) issueToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		},
		Authenticated: true,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) validToken(tokenStr string) bool {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return false
	}
	return claims.Authenticated
}
