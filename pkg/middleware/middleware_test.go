package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(perms ...string) jwt.MapClaims {
	list := make([]interface{}, len(perms))
	for i, p := range perms {
		list[i] = p
	}
	return jwt.MapClaims{
		"client_id":   "bot",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": list,
	}
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})
	r.GET("/api/v1/orders", chain...)
	r.GET("/api/v1/internal/report", chain...)
	return r
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := newRouter(JWTAuth(testSecret))

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid token", signToken(t, testSecret, validClaims("trade")), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other", validClaims("trade")), http.StatusUnauthorized},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"client_id": "bot", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"missing client id", signToken(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, "/api/v1/orders", tt.token)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "bot", w.Body.String())
			}
		})
	}
}

func TestJWTAuthRejectsMalformedHeader(t *testing.T) {
	r := newRouter(JWTAuth(testSecret))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Token abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthRequiresPermission(t *testing.T) {
	r := newRouter(InternalAuth(testSecret))

	w := get(r, "/api/v1/internal/report", signToken(t, testSecret, validClaims("trade")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = get(r, "/api/v1/internal/report", signToken(t, testSecret, validClaims("trade", "internal")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(Limits{OrdersPerMinute: 1, Burst: 2})
	r := newRouter(JWTAuth(testSecret), limiter.Handler())

	token := signToken(t, testSecret, validClaims("trade"))
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/orders", token).Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/orders", token).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/orders", token).Code)

	other := jwt.MapClaims{"client_id": "other", "exp": time.Now().Add(time.Hour).Unix()}
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/orders", signToken(t, testSecret, other)).Code)

	// unlisted groups are not limited
	internal := signToken(t, testSecret, validClaims("internal"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/api/v1/internal/report", internal).Code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(DefaultLimits)
	limiter.getLimiter("/api/v1/orders", "bot")
	require.Len(t, limiter.visitors, 1)

	limiter.evict(time.Now().Add(-time.Minute))
	assert.Len(t, limiter.visitors, 1)

	limiter.evict(time.Now().Add(time.Second))
	assert.Len(t, limiter.visitors, 0)
}
