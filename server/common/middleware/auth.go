package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"coach_msg/server/common/auth"
	"coach_msg/server/common/transport/httpresp"
)

const (
	ctxAccessToken = "auth_access_token"
	ctxUserID      = "auth_user_id"
	ctxTenantID    = "auth_tenant_id"
	ctxUserType    = "auth_user_type"
)

func AuthRequired(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(ctxAccessToken, token)
		c.Set(ctxUserID, identity.UserID)
		c.Set(ctxTenantID, identity.TenantID)
		c.Set(ctxUserType, identity.UserType)
		c.Next()
	}
}

func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[strings.TrimSpace(role)] = struct{}{}
	}
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
			return
		}
		if _, ok := allowed[identity.UserType]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrInsufficientRole))
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by AuthRequired.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	userID := c.GetString(ctxUserID)
	tenantID := c.GetString(ctxTenantID)
	if userID == "" || tenantID == "" {
		return auth.Identity{}, false
	}
	return auth.Identity{UserID: userID, TenantID: tenantID, UserType: c.GetString(ctxUserType)}, true
}

// BearerToken reads the token from the Authorization header, falling back to the
// access_token/token query parameters browsers use for websocket upgrades.
func BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}
