package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/playmatatu/matchmaker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func authRouter() *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware(&config.Config{JWTSecret: secret}), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		query  string
		code   int
		body   string
	}{
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"user_id claim", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "alice", "exp": exp}), "", http.StatusOK, "alice"},
		{"sub claim", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "bob", "exp": exp}), "", http.StatusOK, "bob"},
		{"numeric id", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": 42, "exp": exp}), "", http.StatusOK, "42"},
		{"query token", "", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "carol", "exp": exp}), http.StatusOK, "carol"},
		{"wrong secret", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"user_id": "alice", "exp": exp}), "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "alice", "exp": time.Now().Add(-time.Minute).Unix()}), "", http.StatusUnauthorized, ""},
		{"no user", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"exp": exp}), "", http.StatusUnauthorized, ""},
		{"alg none", "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"user_id": "mallory"}), "", http.StatusUnauthorized, ""},
	}

	r := authRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/me"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestWebSocketCORSCheck(t *testing.T) {
	cfg := &config.Config{Environment: "production", FrontendURL: "https://play.example.com"}
	r := gin.New()
	r.GET("/ws", WebSocketCORSCheck(cfg), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	upgrade := func(origin string) int {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, upgrade("https://play.example.com"))
	assert.Equal(t, http.StatusForbidden, upgrade("https://evil.example.com"))
	assert.Equal(t, http.StatusForbidden, upgrade("http://localhost:3000"))
	assert.Equal(t, http.StatusBadRequest, upgrade(""))

	plain := httptest.NewRecorder()
	r.ServeHTTP(plain, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNoContent, plain.Code, "non-upgrade requests pass through")
}
