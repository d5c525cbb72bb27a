package http

import (
	"fmt"

	"github.com/gin-gonic/gin"
	gauth "github.com/shaj13/go-guardian/auth"

	"github.com/dkeye/teleconsult/internal/adapters/auth"
	"github.com/dkeye/teleconsult/internal/domain"
)

const identityKey = "identity"

// AuthMiddleware resolves the bearer credential of every REST call.
func AuthMiddleware(a gauth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := a.Authenticate(c.Request)
		if err != nil {
			abortWithError(c, fmt.Errorf("%v: %w", err, domain.ErrAuthentication))
			return
		}
		identity, err := auth.IdentityFromInfo(info)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityOf(c *gin.Context) domain.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(domain.Identity)
	return id
}
