package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stocktake_backend/utils"
)

// AuthMiddleware resolves a host token (Authorization: Bearer ...) into the
// owning business id on the request context. Requests without a token pass
// through; handlers that require a host reject when the business id is absent.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		if auth == "" {
			c.Next()
			return
		}

		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			auth = strings.TrimSpace(auth[7:])
		}

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), customClaim.BusinessId)
		ctx = utils.SetUserNameInContext(ctx, customClaim.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
