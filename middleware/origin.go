package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin rejects cross-site websocket upgrades whose Origin header is not in
// the allowlist. An empty allowlist admits everything, which is the dev
// default; browsers always send Origin, non-browser clients may omit it and
// are admitted.
func Origin(allowed []string) gin.HandlerFunc {
	hosts := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		hosts[strings.ToLower(a)] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(hosts) == 0 {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		u, err := url.Parse(origin)
		if err != nil {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if _, ok := hosts[strings.ToLower(u.Host)]; !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
