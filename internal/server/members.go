package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type grantMembershipRequest struct {
	Role string `json:"role"`
}

func (s *Server) GrantMembership(c *gin.Context) {
	var req grantMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID := strings.TrimSpace(c.Param("userID"))

	if err := s.authzSvc.GrantMembership(c.Request.Context(), orgIDFromContext(c), userID, req.Role); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": strings.ToLower(strings.TrimSpace(req.Role))})
}

func (s *Server) RevokeMembership(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	if userID == userIDFromContext(c) {
		AbortWithError(c, newValidationError("user_id", "self_revoke", "cannot revoke your own membership"))
		return
	}

	if err := s.authzSvc.RevokeMembership(c.Request.Context(), orgIDFromContext(c), userID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
