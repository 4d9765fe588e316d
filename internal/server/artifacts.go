package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscal/internal/artifact"
	"github.com/smallbiznis/fiscal/internal/authorization"
)

// GetArtifact serves a stored document PDF to members of the organization that owns it.
func (s *Server) GetArtifact(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	orgID, err := artifact.OrgOf(path)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorizeForOrg(c, orgID, authorization.ObjectArtifact, authorization.ActionArtifactView); err != nil {
		AbortWithError(c, err)
		return
	}

	data, err := s.store.Get(c.Request.Context(), path)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "private, max-age=300")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", artifact.FileName(path)))
	c.Data(http.StatusOK, artifact.ContentTypePDF, data)
}
