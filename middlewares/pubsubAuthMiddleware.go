package middlewares

import (
	"context"
	"crypto/subtle"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

// validateIDToken is swapped in tests.
var validateIDToken = idtoken.Validate

// PubSubAuthMiddleware guards push endpoints.
//
// Set via env:
// - PUBSUB_PUSH_AUDIENCE: verify the push request's Google OIDC token for this audience
// - PUBSUB_PUSH_SERVICE_ACCOUNT: optional, the token's email must match
// - PUBSUB_VERIFICATION_TOKEN: shared secret passed as ?token= on the push URL
//
// With none set the endpoint is open, except under GO_ENV=production where it
// rejects everything.
func PubSubAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		audience := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_AUDIENCE"))
		shared := strings.TrimSpace(os.Getenv("PUBSUB_VERIFICATION_TOKEN"))

		switch {
		case audience != "":
			if !verifyPushOIDC(c.Request.Context(), c.GetHeader("Authorization"), audience) {
				abortUnauthorized(c)
				return
			}
		case shared != "":
			presented := c.Query("token")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(shared)) != 1 {
				abortUnauthorized(c)
				return
			}
		case strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"):
			config.GetLogger().WithFields(logrus.Fields{"field": "pubsubAuth"}).
				Error("push endpoint called but neither PUBSUB_PUSH_AUDIENCE nor PUBSUB_VERIFICATION_TOKEN is set")
			abortUnauthorized(c)
			return
		}

		c.Request = c.Request.WithContext(utils.SetOperatorInContext(c.Request.Context(), "pubsub"))
		c.Next()
	}
}

func verifyPushOIDC(ctx context.Context, authHeader, audience string) bool {
	const bearer = "Bearer "
	if !strings.HasPrefix(authHeader, bearer) {
		return false
	}
	payload, err := validateIDToken(ctx, strings.TrimSpace(authHeader[len(bearer):]), audience)
	if err != nil {
		config.GetLogger().WithFields(logrus.Fields{"field": "pubsubAuth"}).WithError(err).Warn("push token rejected")
		return false
	}
	want := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_SERVICE_ACCOUNT"))
	if want == "" {
		return true
	}
	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	return verified && strings.EqualFold(email, want)
}
