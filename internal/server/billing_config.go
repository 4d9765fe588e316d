package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/audit/masking"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"go.uber.org/zap"
)

type billingConfigurationResponse struct {
	Provider                  billingdomain.ProviderKind `json:"provider"`
	IntegrationEnabled        bool                       `json:"integration_enabled"`
	TaxDefaultRate            decimal.Decimal            `json:"tax_default_rate"`
	TaxDefaultExemptionReason string                     `json:"tax_default_exemption_reason,omitempty"`
	DefaultSeries             string                     `json:"default_series,omitempty"`
	Credentials               map[string]any             `json:"credentials,omitempty"`
}

// UpsertBillingConfiguration stores provider credentials; responses and the audit trail only see masked values.
func (s *Server) UpsertBillingConfiguration(c *gin.Context) {
	var req billingdomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OrgID = orgIDFromContext(c)

	settings, err := s.configSvc.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// sessions were minted for the previous credentials
	s.sessions.Invalidate(c.Request.Context(), settings)

	masked := masking.Fields(map[string]string{
		"api_key":       settings.Credentials.APIKey,
		"client_id":     settings.Credentials.ClientID,
		"client_secret": settings.Credentials.ClientSecret,
	})
	if err := s.auditSvc.AuditLog(c.Request.Context(), req.OrgID, auditdomain.ActionBillingConfigUpdated,
		"billing_configuration", req.OrgID.String(), map[string]any{
			"provider":            string(settings.Provider),
			"integration_enabled": req.IntegrationEnabled,
			"credentials":         masked,
		}); err != nil {
		s.log.Warn("billing configuration audit failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, billingConfigurationResponse{
		Provider:                  settings.Provider,
		IntegrationEnabled:        req.IntegrationEnabled,
		TaxDefaultRate:            settings.TaxDefault.Rate,
		TaxDefaultExemptionReason: settings.TaxDefault.ExemptionReason,
		DefaultSeries:             settings.DefaultSeries,
		Credentials:               masked,
	})
}
