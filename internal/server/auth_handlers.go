package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoheal/internal/auth"
)

type loginView struct {
	page
	Next  string
	Error string
}

func (r *Router) dashboardPath() string { return r.basePath + "/admin/auto_dashboard" }

// safeNext only allows local redirects.
func (r *Router) safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return r.dashboardPath()
	}
	return next
}

func (r *Router) handleLoginPage(c *gin.Context) {
	if r.deps.Auth == nil || !r.deps.Auth.Enabled() {
		c.Redirect(http.StatusFound, r.dashboardPath())
		return
	}
	c.HTML(http.StatusOK, "login", loginView{page: r.page("Login"), Next: r.safeNext(c.Query("next"))})
}

func (r *Router) handleLogin(c *gin.Context) {
	if r.deps.Auth == nil || !r.deps.Auth.Enabled() {
		c.Redirect(http.StatusFound, r.dashboardPath())
		return
	}
	next := r.safeNext(c.PostForm("next"))
	tok, err := r.deps.Auth.Login(c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		r.log.Warn("dashboard login failed", "username", c.PostForm("username"), "remote", c.ClientIP())
		c.HTML(http.StatusUnauthorized, "login", loginView{page: r.page("Login"), Next: next, Error: "Invalid username or password"})
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     r.deps.Auth.CookieName(),
		Value:    tok.Value,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: true,
		Secure:   r.deps.Auth.SecureCookie(),
		SameSite: http.SameSiteLaxMode,
	})
	c.Redirect(http.StatusFound, next)
}

func (r *Router) handleLogout(c *gin.Context) {
	name := auth.DefaultCookieName
	if r.deps.Auth != nil {
		name = r.deps.Auth.CookieName()
	}
	http.SetCookie(c.Writer, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	c.Redirect(http.StatusFound, r.basePath+"/login")
}
