package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

const (
	sessionName     = "ton-cat-lottery"
	sessionAdminKey = "admin"
)

// Auth guards the operator routes. An empty Token disables them.
type Auth struct {
	Token         string
	SessionSecret []byte
}

func (a Auth) sessions() gin.HandlerFunc {
	store := cookie.NewStore(a.SessionSecret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   12 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return sessions.Sessions(sessionName, store)
}

func (a Auth) validToken(token string) bool {
	return a.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1
}

// checkAdmin lets a request through when it carries the admin token as a
// bearer token or belongs to a logged-in session.
func (h *HTTPHandler) checkAdmin(c *gin.Context) {
	if h.auth.Token == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API is disabled"})
		return
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && h.auth.validToken(token) {
		c.Next()
		return
	}
	if admin, _ := sessions.Default(c).Get(sessionAdminKey).(bool); admin {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin login required"})
}

// Login starts an admin session.
func (h *HTTPHandler) Login(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !h.auth.validToken(req.Token) {
		logger.Warningf("Rejected admin login from %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	session := sessions.Default(c)
	session.Set(sessionAdminKey, true)
	if err := session.Save(); err != nil {
		h.fail(c, err)
		return
	}
	logger.Infof("Admin login from %s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"admin": true})
}

// Logout ends the admin session.
func (h *HTTPHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": false})
}
