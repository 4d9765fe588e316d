package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	reversaldomain "github.com/smallbiznis/fiscal/internal/reversal/domain"
)

type issueInvoiceRequest struct {
	SaleID       snowflake.ID `json:"sale_id"`
	Observations string       `json:"observations"`
}

type issueReceiptRequest struct {
	SaleID    snowflake.ID `json:"sale_id"`
	PaymentID snowflake.ID `json:"payment_id"`
}

type createCreditNoteRequest struct {
	OriginalDocumentID   string                `json:"original_document_id"`
	OriginalDocumentType string                `json:"original_document_type"`
	Reason               string                `json:"reason"`
	Items                []reversaldomain.Item `json:"items"`
}

func (s *Server) IssueInvoice(c *gin.Context) {
	var req issueInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.SaleID == 0 {
		AbortWithError(c, newValidationError("sale_id", "required", "sale_id is required"))
		return
	}
	c.Set("document_type", string(providerdomain.DocumentTypeInvoice))

	res, err := s.issuanceSvc.IssueInvoice(c.Request.Context(), issuancedomain.IssueInvoiceRequest{
		OrgID:        orgIDFromContext(c),
		SaleID:       req.SaleID,
		Observations: strings.TrimSpace(req.Observations),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (s *Server) IssueReceipt(c *gin.Context) {
	var req issueReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.SaleID == 0 {
		AbortWithError(c, newValidationError("sale_id", "required", "sale_id is required"))
		return
	}
	if req.PaymentID == 0 {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id is required"))
		return
	}
	c.Set("document_type", string(providerdomain.DocumentTypeReceipt))

	res, err := s.issuanceSvc.IssueReceipt(c.Request.Context(), issuancedomain.IssueReceiptRequest{
		OrgID:     orgIDFromContext(c),
		SaleID:    req.SaleID,
		PaymentID: req.PaymentID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (s *Server) CreateCreditNote(c *gin.Context) {
	var req createCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.OriginalDocumentID) == "" {
		AbortWithError(c, newValidationError("original_document_id", "required", "original_document_id is required"))
		return
	}
	docType := providerdomain.DocumentType(strings.ToLower(strings.TrimSpace(req.OriginalDocumentType)))
	if docType != "" && !docType.Valid() {
		AbortWithError(c, newValidationError("original_document_type", "invalid_original_document_type", "unknown document type"))
		return
	}
	c.Set("document_type", string(providerdomain.DocumentTypeCreditNote))

	res, err := s.reversalSvc.Reverse(c.Request.Context(), reversaldomain.ReverseRequest{
		OrgID:                orgIDFromContext(c),
		OriginalExternalID:   req.OriginalDocumentID,
		OriginalDocumentType: docType,
		Reason:               req.Reason,
		Items:                req.Items,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadySettled {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
