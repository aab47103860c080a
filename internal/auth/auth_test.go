package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T, enabled bool) *Service {
	t.Helper()
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := New(Config{Enabled: enabled, Username: "admin", PasswordHash: hash, JWTSecret: "test-secret"})
	require.NoError(t, err)
	return svc
}

func TestLoginAndVerify(t *testing.T) {
	svc := newService(t, true)

	tok, err := svc.Login("admin", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	claims, err := svc.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newService(t, true)
	for _, tc := range []struct{ user, pass string }{
		{"admin", "wrong"},
		{"root", "s3cret"},
		{"", ""},
	} {
		_, err := svc.Login(tc.user, tc.pass)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "%s/%s", tc.user, tc.pass)
	}
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := newService(t, true)
	other, err := New(Config{Username: "admin", PasswordHash: "x", JWTSecret: "other"})
	require.NoError(t, err)
	foreign, err := other.issue("admin")
	require.NoError(t, err)
	_, err = svc.Verify(foreign.Value)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	svc.cfg.TokenTTL = -time.Minute
	expired, err := svc.issue("admin")
	require.NoError(t, err)
	_, err = svc.Verify(expired.Value)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Verify("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewRequiresCredentialsWhenEnabled(t *testing.T) {
	_, err := New(Config{Enabled: true})
	assert.Error(t, err)

	svc, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCookieName, svc.CookieName())
	assert.Equal(t, DefaultTokenTTL, svc.TokenTTL())
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))

	_, err = HashPassword("", 0)
	assert.Error(t, err)
}

func newRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	m := NewMiddleware(svc)
	r := gin.New()
	r.GET("/api", m.GinAuth(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/page", m.GinPage("/login"), func(c *gin.Context) { c.String(http.StatusOK, "page") })
	return r
}

func TestMiddleware(t *testing.T) {
	svc := newService(t, true)
	r := newRouter(svc)
	tok, err := svc.Login("admin", "s3cret")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?next=%2Fpage", w.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tok.Value})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.SetBasicAuth("admin", "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.SetBasicAuth("admin", "nope")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	r := newRouter(newService(t, false))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
