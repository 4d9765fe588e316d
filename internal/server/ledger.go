package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
)

type listLedgerQuery struct {
	SaleID    string `form:"sale_id"`
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// ListLedger exposes the issuance audit trail, optionally narrowed to one sale.
func (s *Server) ListLedger(c *gin.Context) {
	var query listLedgerQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	saleID, err := parseID("sale_id", query.SaleID, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := ledgerdomain.ListRequest{
		OrgID:     orgIDFromContext(c),
		SaleID:    saleID,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Entries, "page_info": resp.PageInfo})
}
