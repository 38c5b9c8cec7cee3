package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/marketplace-payments/common/auth"
	"github.com/yashrajoria/marketplace-payments/models"
)

const ActorContextKey = "actor"

// Authenticator resolves the calling actor from a bearer JWT or, behind the
// API gateway, from the X-User-ID / X-User-Role headers it injects.
type Authenticator struct {
	tokens       *auth.TokenParser
	trustHeaders bool
}

func NewAuthenticator(tokens *auth.TokenParser, trustGatewayHeaders bool) *Authenticator {
	return &Authenticator{tokens: tokens, trustHeaders: trustGatewayHeaders}
}

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID, role string

		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || a.tokens == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			claims, err := a.tokens.Parse(strings.TrimSpace(token), "")
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			userID, role = auth.Subject(claims), auth.Role(claims)
		} else if a.trustHeaders {
			userID, role = c.GetHeader("X-User-ID"), c.GetHeader("X-User-Role")
		}

		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		actorRole := models.ActorRole(strings.ToLower(role))
		switch actorRole {
		case models.RoleClient, models.RoleProvider, models.RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown role"})
			return
		}

		c.Set(ActorContextKey, models.Actor{
			ID:        userID,
			Role:      actorRole,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		c.Next()
	}
}

// RequireRole lets through only actors holding one of roles.
func RequireRole(roles ...models.ActorRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}

func GetActor(c *gin.Context) (models.Actor, bool) {
	val, ok := c.Get(ActorContextKey)
	if !ok {
		return models.Actor{}, false
	}
	actor, ok := val.(models.Actor)
	return actor, ok
}
