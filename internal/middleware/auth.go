package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/controlplane/internal/alerting/model"
	"github.com/qiniu/controlplane/internal/config"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleService  = "service"
	RoleViewer   = "viewer"

	identityKey = "identity"
	rolesKey    = "roles"
)

// Authentication extracts the caller identity and roles from the configured headers.
// It never rejects; RequireRoles does.
func Authentication(cfg config.AuthConfig) gin.HandlerFunc {
	idHeader, rolesHeader := cfg.IdentityHeader, cfg.RolesHeader
	if idHeader == "" {
		idHeader = "X-User-ID"
	}
	if rolesHeader == "" {
		rolesHeader = "X-User-Roles"
	}
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(idHeader)); id != "" {
			c.Set(identityKey, id)
			c.Set(rolesKey, parseRoles(c.GetHeader(rolesHeader)))
		}
		c.Next()
	}
}

func parseRoles(h string) map[string]bool {
	roles := map[string]bool{}
	for _, r := range strings.Split(h, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles[r] = true
		}
	}
	return roles
}

// Identity returns the authenticated caller, or "" when the request is anonymous.
func Identity(c *gin.Context) string {
	return c.GetString(identityKey)
}

// RequireRoles rejects anonymous callers with 401 and callers holding none of roles with 403.
func RequireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Identity(c)
		if id == "" {
			abort(c, model.Unauthenticated("missing identity: request carries no user identity"))
			return
		}
		held, _ := c.Get(rolesKey)
		have, _ := held.(map[string]bool)
		for _, r := range roles {
			if have[r] {
				c.Next()
				return
			}
		}
		abort(c, model.Forbidden("user %s lacks a required role (one of %s)", id, strings.Join(roles, ", ")))
	}
}

func abort(c *gin.Context, err *model.Error) {
	c.AbortWithStatusJSON(model.HTTPStatus(err.Kind), model.Response(err))
}
