package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/gin-gonic/gin"
)

const (
	HeaderOpsKey = "X-Ops-Key"
	opsKeyUser   = "ops-key"
)

func abortUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": utils.CodeUnauthorized})
	c.Abort()
}

// OpsAuthMiddleware guards the internal ops surface. A request passes with
// either a Bearer JWT whose role is admin or operator, or an X-Ops-Key that
// matches OPS_API_KEY_HASH.
func OpsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if auth := c.Request.Header.Get("Authorization"); auth != "" {
			const bearer = "Bearer "
			if !strings.HasPrefix(auth, bearer) {
				abortUnauthorized(c)
				return
			}
			token := strings.TrimSpace(auth[len(bearer):])
			validate, err := utils.JwtValidate(token)
			if err != nil || !validate.Valid {
				abortUnauthorized(c)
				return
			}
			claim, ok := validate.Claims.(*utils.JwtCustomClaim)
			if !ok || !utils.IsOpsRole(claim.Role) {
				abortUnauthorized(c)
				return
			}
			ctx = utils.SetTokenInContext(ctx, token)
			ctx = utils.SetUserIdInContext(ctx, claim.ID)
			ctx = utils.SetOperatorInContext(ctx, claim.Username)
			ctx = utils.SetIsAdminInContext(ctx, claim.Role == utils.RoleAdmin)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		if key := c.Request.Header.Get(HeaderOpsKey); key != "" && utils.VerifyOpsKey(key) {
			ctx = utils.SetOperatorInContext(ctx, opsKeyUser)
			ctx = utils.SetIsAdminInContext(ctx, true)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		abortUnauthorized(c)
	}
}
