package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscal/internal/orgcontext"
)

const (
	HeaderUserID     = "X-User-Id"
	contextUserIDKey = "user_id"
	contextOrgIDKey  = "org_id"
)

// RequestActor records the caller named by X-User-Id. Authentication happens upstream.
func RequestActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID != "" {
			c.Set(contextUserIDKey, userID)
			c.Request = c.Request.WithContext(orgcontext.WithActor(c.Request.Context(), userID))
		}
		c.Next()
	}
}

// OrgContext resolves the :orgID path parameter into the request context.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := parseID("org_id", c.Param("orgID"), true)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextOrgIDKey, orgID)
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}

func orgIDFromContext(c *gin.Context) snowflake.ID {
	if v, ok := c.Get(contextOrgIDKey); ok {
		if id, ok := v.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

func userIDFromContext(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(contextUserIDKey))
}
