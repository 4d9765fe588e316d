// Package fiscaltest wires the real engine services over sqlite and a fake
// provider so orchestrator and HTTP tests exercise the full write path.
package fiscaltest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/artifact"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	auditrepository "github.com/smallbiznis/fiscal/internal/audit/repository"
	auditservice "github.com/smallbiznis/fiscal/internal/audit/service"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	billingrepository "github.com/smallbiznis/fiscal/internal/billingconfig/repository"
	billingservice "github.com/smallbiznis/fiscal/internal/billingconfig/service"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/fiscal/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/fiscal/internal/ledger/service"
	"github.com/smallbiznis/fiscal/internal/migration"
	"github.com/smallbiznis/fiscal/internal/provider"
	"github.com/smallbiznis/fiscal/internal/provider/providertest"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	salerepository "github.com/smallbiznis/fiscal/internal/sale/repository"
	saleservice "github.com/smallbiznis/fiscal/internal/sale/service"
	"github.com/smallbiznis/fiscal/internal/session"
	taxdomain "github.com/smallbiznis/fiscal/internal/tax/domain"
	taxservice "github.com/smallbiznis/fiscal/internal/tax/service"
	"github.com/smallbiznis/fiscal/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Env struct {
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  *clock.FakeClock
	Log    *zap.Logger
	Policy *config.FiscalPolicyHolder

	ConfigSvc billingdomain.Service
	SaleSvc   saledomain.Service
	Ledger    ledgerdomain.Service
	Tax       taxdomain.Engine
	Store     artifact.Store
	Registry  *provider.Registry
	Sessions  *session.Manager
	Audit     auditdomain.Service
	Provider  *providertest.Fake

	OrgID   snowflake.ID
	Client  saledomain.Client
	Sale    saledomain.Sale
	Payment saledomain.Payment
}

// New builds an environment with one configured organization holding a
// sale of two lines (one exempt) and a payment against it.
func New(t *testing.T) *Env {
	t.Helper()

	db := testutil.OpenDB(t, migration.Models()...)
	node := testutil.Node(t)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	log := testutil.Logger()
	policy := config.NewStaticFiscalPolicyHolder(config.DefaultFiscalPolicy())

	configSvc := billingservice.New(billingservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  billingrepository.Provide(),
		Cfg:   config.Config{CredentialsSecret: "test-secret"},
		Clock: fakeClock,
	})
	saleSvc := saleservice.New(saleservice.Params{
		DB:    db,
		Log:   log,
		Repo:  salerepository.Provide(),
		Clock: fakeClock,
	})
	store := artifact.NewFilesystemStore(t.TempDir(), "/artifacts")
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    ledgerrepository.Provide(),
		SaleSvc: saleSvc,
		Store:   store,
		Clock:   fakeClock,
		Policy:  policy,
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: fakeClock,
	})
	fake := providertest.New("provider_a")

	env := &Env{
		DB:        db,
		Node:      node,
		Clock:     fakeClock,
		Log:       log,
		Policy:    policy,
		ConfigSvc: configSvc,
		SaleSvc:   saleSvc,
		Ledger:    ledgerSvc,
		Tax:       taxservice.NewEngine(),
		Store:     store,
		Registry:  provider.NewRegistry(providertest.Factory{Adapter: fake}),
		Sessions: session.NewManager(session.Params{
			Log:       log,
			ConfigSvc: configSvc,
			Clock:     fakeClock,
			Policy:    policy,
		}),
		Audit:    auditSvc,
		Provider: fake,
		OrgID:    node.Generate(),
	}
	env.seed(t)
	return env
}

func (e *Env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := e.ConfigSvc.Upsert(ctx, billingdomain.UpsertRequest{
		OrgID:                     e.OrgID,
		Provider:                  billingdomain.ProviderKindA,
		Credentials:               billingdomain.Credentials{APIKey: "key_live_123456"},
		TaxDefaultRate:            decimal.NewFromInt(14),
		TaxDefaultExemptionReason: "",
		IntegrationEnabled:        true,
	})
	require.NoError(t, err)

	e.Client = saledomain.Client{ID: e.Node.Generate(), OrgID: e.OrgID, Name: "Acme Lda", TaxID: "500100200"}
	require.NoError(t, e.DB.Create(&e.Client).Error)

	e.Sale = saledomain.Sale{
		ID:          e.Node.Generate(),
		OrgID:       e.OrgID,
		ClientID:    e.Client.ID,
		TotalAmount: decimal.NewFromInt(144),
		SaleDate:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, e.DB.Create(&e.Sale).Error)

	items := []saledomain.SaleLineItem{
		{ID: e.Node.Generate(), OrgID: e.OrgID, SaleID: e.Sale.ID, Position: 1, Description: "Consulting",
			Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(100)},
		{ID: e.Node.Generate(), OrgID: e.OrgID, SaleID: e.Sale.ID, Position: 2, Description: "Books",
			Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(30),
			TaxRate: decimal.NewNullDecimal(decimal.Zero), ExemptionReason: "M10"},
	}
	require.NoError(t, e.DB.Create(&items).Error)

	e.Payment = saledomain.Payment{
		ID:     e.Node.Generate(),
		OrgID:  e.OrgID,
		SaleID: e.Sale.ID,
		Amount: decimal.NewFromInt(57),
		PaidAt: time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC),
		Method: "transfer",
	}
	require.NoError(t, e.DB.Create(&e.Payment).Error)
}

// DisableIntegration turns the organization's billing integration off.
func (e *Env) DisableIntegration(t *testing.T) {
	t.Helper()
	require.NoError(t, e.DB.Model(&billingdomain.BillingConfiguration{}).
		Where("org_id = ?", e.OrgID).
		Update("integration_enabled", false).Error)
}

func (e *Env) ReloadSale(t *testing.T) saledomain.Sale {
	t.Helper()
	var sale saledomain.Sale
	require.NoError(t, e.DB.First(&sale, "id = ?", e.Sale.ID).Error)
	return sale
}

func (e *Env) ReloadPayment(t *testing.T) saledomain.Payment {
	t.Helper()
	var payment saledomain.Payment
	require.NoError(t, e.DB.First(&payment, "id = ?", e.Payment.ID).Error)
	return payment
}

func (e *Env) ReloadClient(t *testing.T) saledomain.Client {
	t.Helper()
	var client saledomain.Client
	require.NoError(t, e.DB.First(&client, "id = ?", e.Client.ID).Error)
	return client
}

// LedgerEntry returns the ledger row for a source, or nil.
func (e *Env) LedgerEntry(t *testing.T, docType string, sourceID string) *ledgerdomain.InvoiceLedgerEntry {
	t.Helper()
	var entries []ledgerdomain.InvoiceLedgerEntry
	require.NoError(t, e.DB.Where("org_id = ? AND document_type = ? AND source_id = ?", e.OrgID, docType, sourceID).
		Find(&entries).Error)
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}

func (e *Env) CountLedgerEntries(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.DB.Model(&ledgerdomain.InvoiceLedgerEntry{}).Where("org_id = ?", e.OrgID).Count(&n).Error)
	return n
}

func (e *Env) AuditActions(t *testing.T) []string {
	t.Helper()
	var actions []string
	require.NoError(t, e.DB.Model(&auditdomain.AuditLog{}).Where("org_id = ?", e.OrgID).Order("id asc").
		Pluck("action", &actions).Error)
	return actions
}
