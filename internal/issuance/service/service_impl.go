package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/artifact"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	issuancedomain "github.com/smallbiznis/fiscal/internal/issuance/domain"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	"github.com/smallbiznis/fiscal/internal/observability/tracing"
	"github.com/smallbiznis/fiscal/internal/provider"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	"github.com/smallbiznis/fiscal/internal/session"
	taxdomain "github.com/smallbiznis/fiscal/internal/tax/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "fiscal/issuance"

type Params struct {
	fx.In

	Log       *zap.Logger
	ConfigSvc billingdomain.Service
	SaleSvc   saledomain.Service
	Ledger    ledgerdomain.Service
	Tax       taxdomain.Engine
	Registry  *provider.Registry
	Sessions  *session.Manager
	Store     artifact.Store
	Clock     clock.Clock
	Policy    *config.FiscalPolicyHolder  `optional:"true"`
	Metrics   *obsmetrics.Metrics         `optional:"true"`
	Issuance  *obsmetrics.IssuanceMetrics `optional:"true"`
	AuditSvc  auditdomain.Service         `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	configSvc billingdomain.Service
	saleSvc   saledomain.Service
	ledger    ledgerdomain.Service
	tax       taxdomain.Engine
	registry  *provider.Registry
	sessions  *session.Manager
	store     artifact.Store
	clock     clock.Clock
	policy    *config.FiscalPolicyHolder
	metrics   *obsmetrics.Metrics
	issuance  *obsmetrics.IssuanceMetrics
	auditSvc  auditdomain.Service
}

func NewService(p Params) issuancedomain.Service {
	return &Service{
		log:       p.Log.Named("issuance.service"),
		configSvc: p.ConfigSvc,
		saleSvc:   p.SaleSvc,
		ledger:    p.Ledger,
		tax:       p.Tax,
		registry:  p.Registry,
		sessions:  p.Sessions,
		store:     p.Store,
		clock:     p.Clock,
		policy:    p.Policy,
		metrics:   p.Metrics,
		issuance:  p.Issuance,
		auditSvc:  p.AuditSvc,
	}
}

func (s *Service) IssueInvoice(ctx context.Context, req issuancedomain.IssueInvoiceRequest) (result *issuancedomain.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "issuance.invoice",
		attribute.String("org_id", req.OrgID.String()),
		attribute.String("sale_id", req.SaleID.String()),
	)
	r := s.newRun(ctx, providerdomain.DocumentTypeInvoice, req.OrgID, req.SaleID.String())
	defer func() {
		r.finish(err)
		tracing.EndSpan(span, err)
	}()

	if req.OrgID == 0 || req.SaleID == 0 {
		return nil, r.fail(fiscalerr.Validation("organization and sale are required"))
	}

	settings, err := s.configSvc.Load(ctx, req.OrgID)
	if err != nil {
		return nil, r.fail(err)
	}
	details, err := s.saleSvc.GetSale(ctx, req.OrgID, req.SaleID)
	if err != nil {
		return nil, r.fail(err)
	}
	if !details.Sale.HasInvoice() {
		if err := s.checkLedger(ctx, r, req.OrgID, providerdomain.DocumentTypeInvoice, req.SaleID.String()); err != nil {
			return nil, r.fail(err)
		}
	}

	computed, err := s.tax.Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeInvoice,
		ClientTaxID:  details.Client.TaxID,
		Items:        lineInputs(details.Items),
		Total:        details.Sale.TotalAmount,
		Default:      taxDefault(settings),
		Existing:     saleReference(details.Sale),
	})
	if err != nil {
		return nil, r.fail(err)
	}

	observations := strings.TrimSpace(req.Observations)
	if observations == "" {
		observations = details.Sale.Observations
	}

	return s.issue(ctx, r, plan{
		settings: settings,
		client:   details.Client,
		reserve: ledgerdomain.ReserveRequest{
			OrgID:        req.OrgID,
			DocumentType: providerdomain.DocumentTypeInvoice,
			SourceID:     req.SaleID.String(),
			SaleID:       req.SaleID,
			Provider:     string(settings.Provider),
			ClientName:   details.Client.Name,
			Total:        computed.Totals.Gross,
			DocumentDate: details.Sale.SaleDate,
		},
		request: providerdomain.DocumentRequest{
			Type:           providerdomain.DocumentTypeInvoice,
			IdempotencyKey: issuancedomain.InvoiceIdempotencyKey(req.OrgID, req.SaleID),
			Date:           dateOnly(details.Sale.SaleDate),
			Series:         settings.DefaultSeries,
			Lines:          computed.Lines,
			Totals:         computed.Totals,
			Observations:   observations,
		},
	})
}

func (s *Service) IssueReceipt(ctx context.Context, req issuancedomain.IssueReceiptRequest) (result *issuancedomain.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "issuance.receipt",
		attribute.String("org_id", req.OrgID.String()),
		attribute.String("sale_id", req.SaleID.String()),
		attribute.String("payment_id", req.PaymentID.String()),
	)
	r := s.newRun(ctx, providerdomain.DocumentTypeReceipt, req.OrgID, req.PaymentID.String())
	defer func() {
		r.finish(err)
		tracing.EndSpan(span, err)
	}()

	if req.OrgID == 0 || req.SaleID == 0 || req.PaymentID == 0 {
		return nil, r.fail(fiscalerr.Validation("organization, sale and payment are required"))
	}

	settings, err := s.configSvc.Load(ctx, req.OrgID)
	if err != nil {
		return nil, r.fail(err)
	}
	details, err := s.saleSvc.GetSale(ctx, req.OrgID, req.SaleID)
	if err != nil {
		return nil, r.fail(err)
	}
	payment, err := s.saleSvc.GetPayment(ctx, req.OrgID, req.SaleID, req.PaymentID)
	if err != nil {
		return nil, r.fail(err)
	}

	invoice, err := s.ledger.FindIssued(ctx, req.OrgID, providerdomain.DocumentTypeInvoice, req.SaleID.String())
	if err != nil {
		return nil, r.fail(err)
	}
	if invoice == nil {
		return nil, r.fail(fiscalerr.Validation(issuancedomain.NoInvoiceReason))
	}

	if !payment.HasReceipt() {
		if err := s.checkLedger(ctx, r, req.OrgID, providerdomain.DocumentTypeReceipt, req.PaymentID.String()); err != nil {
			return nil, r.fail(err)
		}
	}
	if !payment.Amount.IsPositive() && !payment.HasReceipt() {
		return nil, r.fail(fiscalerr.Validation("payment amount must be positive"))
	}

	computed, err := s.tax.Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeReceipt,
		ClientTaxID:  details.Client.TaxID,
		Items: []taxdomain.LineInput{{
			Description: receiptDescription(invoice),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   payment.Amount,
		}},
		Default:          taxDefault(settings),
		Existing:         paymentReference(payment),
		PricesIncludeTax: true,
	})
	if err != nil {
		return nil, r.fail(err)
	}

	paymentID := req.PaymentID
	related := invoice.Identity()
	return s.issue(ctx, r, plan{
		settings: settings,
		client:   details.Client,
		reserve: ledgerdomain.ReserveRequest{
			OrgID:        req.OrgID,
			DocumentType: providerdomain.DocumentTypeReceipt,
			SourceID:     req.PaymentID.String(),
			SaleID:       req.SaleID,
			PaymentID:    &paymentID,
			Provider:     string(settings.Provider),
			ClientName:   details.Client.Name,
			Total:        computed.Totals.Gross,
			DocumentDate: payment.PaidAt,
		},
		request: providerdomain.DocumentRequest{
			Type:           providerdomain.DocumentTypeReceipt,
			IdempotencyKey: issuancedomain.ReceiptIdempotencyKey(req.OrgID, req.PaymentID),
			Date:           dateOnly(payment.PaidAt),
			Series:         settings.DefaultSeries,
			Lines:          computed.Lines,
			Totals:         computed.Totals,
			PaymentMethod:  payment.Method,
			Related:        &related,
		},
	})
}

// checkLedger short-circuits when the ledger already holds an issued document
// whose sale or payment fields were never written, repairing them first.
func (s *Service) checkLedger(ctx context.Context, r *run, orgID snowflake.ID, docType providerdomain.DocumentType, sourceID string) error {
	entry, err := s.ledger.FindIssued(ctx, orgID, docType, sourceID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	s.repair(ctx, r, *entry)
	return fiscalerr.AlreadyIssued(entry.ExternalID, entry.HumanReference)
}

func (s *Service) repair(ctx context.Context, r *run, entry ledgerdomain.InvoiceLedgerEntry) {
	if err := s.ledger.RepairReference(ctx, entry); err != nil {
		r.log.Warn("failed to repair reference fields from ledger",
			zap.String("entry_id", entry.ID.String()),
			zap.Error(err),
		)
		return
	}
	r.log.Info("reference fields checked against ledger", zap.String("external_id", entry.ExternalID))
}

func lineInputs(items []saledomain.SaleLineItem) []taxdomain.LineInput {
	out := make([]taxdomain.LineInput, 0, len(items))
	for _, item := range items {
		out = append(out, taxdomain.LineInput{
			Description:     item.Description,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			TaxRate:         item.TaxRate,
			ExemptionReason: item.ExemptionReason,
		})
	}
	return out
}

func taxDefault(settings *billingdomain.Settings) taxdomain.Default {
	return taxdomain.Default{
		Rate:            settings.TaxDefault.Rate,
		ExemptionReason: settings.TaxDefault.ExemptionReason,
	}
}

func saleReference(sale saledomain.Sale) *taxdomain.ExistingReference {
	if !sale.HasInvoice() {
		return nil
	}
	return &taxdomain.ExistingReference{
		ExternalID:     *sale.InvoiceExternalID,
		HumanReference: deref(sale.InvoiceReference),
	}
}

func paymentReference(payment *saledomain.Payment) *taxdomain.ExistingReference {
	if !payment.HasReceipt() {
		return nil
	}
	return &taxdomain.ExistingReference{
		ExternalID:     *payment.ReceiptExternalID,
		HumanReference: deref(payment.ReceiptReference),
	}
}

func receiptDescription(invoice *ledgerdomain.InvoiceLedgerEntry) string {
	if ref := strings.TrimSpace(invoice.HumanReference); ref != "" {
		return "Payment of " + ref
	}
	return "Payment"
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
