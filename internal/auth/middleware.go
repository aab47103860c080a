package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the authenticated *Claims.
const ClaimsKey = "auth_claims"

// Middleware gates gin routes behind a session.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// GinAuth rejects unauthenticated API requests with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil || !m.svc.Enabled() {
			c.Next()
			return
		}
		claims, err := m.authenticate(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// GinPage redirects unauthenticated page requests to the login form.
func (m *Middleware) GinPage(loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.svc == nil || !m.svc.Enabled() {
			c.Next()
			return
		}
		claims, err := m.authenticate(c.Request)
		if err != nil {
			c.Redirect(http.StatusFound, loginPath+"?next="+url.QueryEscape(c.Request.URL.Path))
			c.Abort()
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// authenticate accepts the session cookie, a Bearer token or HTTP basic auth.
func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	if ck, err := r.Cookie(m.svc.CookieName()); err == nil && ck.Value != "" {
		return m.svc.Verify(ck.Value)
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return m.svc.Verify(parts[1])
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		if _, err := m.svc.Login(username, password); err != nil {
			return nil, ErrUnauthorized
		}
		return &Claims{Username: username}, nil
	}
	return nil, ErrUnauthorized
}
