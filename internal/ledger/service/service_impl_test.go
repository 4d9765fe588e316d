package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/artifact"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	"github.com/smallbiznis/fiscal/internal/ledger/repository"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	salerepository "github.com/smallbiznis/fiscal/internal/sale/repository"
	saleservice "github.com/smallbiznis/fiscal/internal/sale/service"
	"github.com/smallbiznis/fiscal/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	svc    *Service
	clock  *clock.FakeClock
	store  *artifact.FilesystemStore
	orgID  snowflake.ID
	sale   saledomain.Sale
	client saledomain.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t,
		&ledgerdomain.InvoiceLedgerEntry{},
		&ledgerdomain.CreditNoteLedgerEntry{},
		&saledomain.Client{},
		&saledomain.Sale{},
		&saledomain.SaleLineItem{},
		&saledomain.Payment{},
	)
	node := testutil.Node(t)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	log := testutil.Logger()
	store := artifact.NewFilesystemStore(t.TempDir(), "/artifacts")

	saleSvc := saleservice.New(saleservice.Params{
		DB:    db,
		Log:   log,
		Repo:  salerepository.Provide(),
		Clock: fakeClock,
	})

	svc := NewService(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    repository.Provide(),
		SaleSvc: saleSvc,
		Store:   store,
		Clock:   fakeClock,
		Policy:  config.NewStaticFiscalPolicyHolder(config.DefaultFiscalPolicy()),
	}).(*Service)

	orgID := node.Generate()
	client := saledomain.Client{ID: node.Generate(), OrgID: orgID, Name: "Acme Lda", TaxID: "500100200"}
	require.NoError(t, db.Create(&client).Error)
	sale := saledomain.Sale{
		ID:          node.Generate(),
		OrgID:       orgID,
		ClientID:    client.ID,
		TotalAmount: decimal.NewFromInt(123),
		SaleDate:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&sale).Error)

	return &fixture{db: db, svc: svc, clock: fakeClock, store: store, orgID: orgID, sale: sale, client: client}
}

func (f *fixture) invoiceRequest() ledgerdomain.ReserveRequest {
	return ledgerdomain.ReserveRequest{
		OrgID:        f.orgID,
		DocumentType: providerdomain.DocumentTypeInvoice,
		SourceID:     f.sale.ID.String(),
		SaleID:       f.sale.ID,
		Provider:     "provider_a",
		ClientName:   f.client.Name,
		Total:        decimal.NewFromInt(123),
		DocumentDate: f.sale.SaleDate,
	}
}

func (f *fixture) reloadSale(t *testing.T) saledomain.Sale {
	t.Helper()
	var sale saledomain.Sale
	require.NoError(t, f.db.First(&sale, "id = ?", f.sale.ID).Error)
	return sale
}

func issued(id string) ledgerdomain.IssuedDocument {
	return ledgerdomain.IssuedDocument{
		Identity:       providerdomain.DocumentIdentity{Provider: "provider_a", ID: id},
		HumanReference: "FT 501",
		Total:          decimal.NewFromInt(123),
		DocumentDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReserveLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationAcquired, first.Outcome)
	assert.Equal(t, 1, first.Entry.Attempts)

	_, err = f.svc.Reserve(ctx, f.invoiceRequest())
	assert.ErrorIs(t, err, fiscalerr.ErrInProgress)

	f.clock.Advance(3 * time.Minute)
	reclaimed, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationAcquired, reclaimed.Outcome)
	assert.Equal(t, first.Entry.ID, reclaimed.Entry.ID)
	assert.Equal(t, 2, reclaimed.Entry.Attempts)

	require.NoError(t, f.svc.MarkFailed(ctx, reclaimed.Entry, "provider_request_failed"))
	retried, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationAcquired, retried.Outcome)

	require.NoError(t, f.svc.MarkDraft(ctx, retried.Entry, providerdomain.DocumentIdentity{Provider: "provider_a", ID: "doc_1"}))
	draft, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationDraft, draft.Outcome)
	assert.Equal(t, "doc_1", draft.Entry.ExternalID)
	assert.Equal(t, "doc_1", draft.Entry.Identity().ID)

	_, err = f.svc.RecordIssued(ctx, draft.Entry, issued("doc_1"))
	require.NoError(t, err)

	done, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationIssued, done.Outcome)
	assert.Equal(t, "FT 501", done.Entry.HumanReference)
}

func TestRecordIssuedWritesSaleReferenceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	entry, err := f.svc.RecordIssued(ctx, res.Entry, issued("doc_1"))
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EntryStatusIssued, entry.Status)

	sale := f.reloadSale(t)
	require.True(t, sale.HasInvoice())
	assert.Equal(t, "doc_1", *sale.InvoiceExternalID)
	assert.Equal(t, "FT 501", *sale.InvoiceReference)

	other := *entry
	other.ExternalID = "doc_2"
	require.NoError(t, f.svc.RepairReference(ctx, other))
	assert.Equal(t, "doc_1", *f.reloadSale(t).InvoiceExternalID)
}

func TestRepairReferenceRebuildsMissingFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	entry, err := f.svc.RecordIssued(ctx, res.Entry, issued("doc_1"))
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE sales SET invoice_external_id = NULL, invoice_reference = NULL WHERE id = ?`, f.sale.ID).Error)
	assert.False(t, f.reloadSale(t).HasInvoice())

	require.NoError(t, f.svc.RepairReference(ctx, *entry))
	sale := f.reloadSale(t)
	require.True(t, sale.HasInvoice())
	assert.Equal(t, "FT 501", *sale.InvoiceReference)
}

func TestStoreArtifactsBackfillsPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	entry, err := f.svc.RecordIssued(ctx, res.Entry, issued("doc_1"))
	require.NoError(t, err)

	path, err := f.svc.StoreArtifacts(ctx, *entry, []byte("%PDF"), "https://qr.example/1")
	require.NoError(t, err)
	assert.Equal(t, artifact.Path(f.orgID, f.sale.ID, "FT", "501"), path)

	data, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	var stored ledgerdomain.InvoiceLedgerEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	assert.Equal(t, path, stored.PDFPath)
	assert.Equal(t, "https://qr.example/1", stored.QRURL)

	sale := f.reloadSale(t)
	require.NotNil(t, sale.InvoicePDFPath)
	assert.Equal(t, path, *sale.InvoicePDFPath)
	require.NotNil(t, sale.InvoiceQRPath)
	assert.Equal(t, "https://qr.example/1", *sale.InvoiceQRPath)

	path, err = f.svc.StoreArtifacts(ctx, *entry, nil, "")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestReceiptReferenceTargetsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment := saledomain.Payment{
		ID:     testutil.Node(t).Generate(),
		OrgID:  f.orgID,
		SaleID: f.sale.ID,
		Amount: decimal.NewFromInt(50),
		PaidAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.db.Create(&payment).Error)

	req := f.invoiceRequest()
	req.DocumentType = providerdomain.DocumentTypeReceipt
	req.SourceID = payment.ID.String()
	req.PaymentID = &payment.ID

	res, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.RecordIssued(ctx, res.Entry, ledgerdomain.IssuedDocument{
		Identity:       providerdomain.DocumentIdentity{Provider: "provider_a", ID: "rc_1"},
		HumanReference: "RC 12",
		Total:          decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	var stored saledomain.Payment
	require.NoError(t, f.db.First(&stored, "id = ?", payment.ID).Error)
	require.True(t, stored.HasReceipt())
	assert.Equal(t, "RC 12", *stored.ReceiptReference)
	assert.Equal(t, saledomain.ReceiptStatusIssued, stored.ReceiptStatus)

	found, err := f.svc.FindIssued(ctx, f.orgID, providerdomain.DocumentTypeReceipt, payment.ID.String())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "rc_1", found.ExternalID)

	missing, err := f.svc.FindIssued(ctx, f.orgID, providerdomain.DocumentTypeInvoice, f.sale.ID.String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func (f *fixture) issueInvoice(t *testing.T) *ledgerdomain.InvoiceLedgerEntry {
	t.Helper()
	res, err := f.svc.Reserve(context.Background(), f.invoiceRequest())
	require.NoError(t, err)
	entry, err := f.svc.RecordIssued(context.Background(), res.Entry, issued("doc_1"))
	require.NoError(t, err)
	return entry
}

func TestCreditNoteReservationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.issueInvoice(t)

	req := ledgerdomain.ReserveCreditNoteRequest{
		OrgID:                f.orgID,
		OriginalExternalID:   original.ExternalID,
		OriginalDocumentType: providerdomain.DocumentTypeInvoice,
		Reason:               "duplicate sale",
	}

	first, err := f.svc.ReserveCreditNote(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Acquired)

	_, err = f.svc.ReserveCreditNote(ctx, req)
	assert.ErrorIs(t, err, fiscalerr.ErrInProgress)

	require.NoError(t, f.svc.FailCreditNote(ctx, first.Entry, "provider_request_failed"))
	retry, err := f.svc.ReserveCreditNote(ctx, req)
	require.NoError(t, err)
	assert.True(t, retry.Acquired)
	assert.Equal(t, first.Entry.ID, retry.Entry.ID)
	assert.Equal(t, 2, retry.Entry.Attempts)

	settled, err := f.svc.SettleCreditNote(ctx, ledgerdomain.SettleCreditNoteRequest{
		CreditNote:     retry.Entry,
		Original:       *original,
		Identity:       providerdomain.DocumentIdentity{Provider: "provider_a", ID: "nc_1"},
		HumanReference: "NC 7",
		DocumentDate:   f.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.CreditNoteStatusSettled, settled.Status)

	again, err := f.svc.ReserveCreditNote(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Acquired)
	assert.Equal(t, "NC 7", again.Entry.HumanReference)
	assert.Equal(t, "nc_1", again.Entry.ExternalID)

	creditNote, err := f.svc.FindIssued(ctx, f.orgID, providerdomain.DocumentTypeCreditNote, original.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, creditNote)
	assert.Equal(t, "nc_1", creditNote.ExternalID)
	assert.Equal(t, f.sale.ID, creditNote.SaleID)
	assert.True(t, creditNote.Total.Equal(original.Total))

	reversed, err := f.svc.FindByExternalID(ctx, f.orgID, providerdomain.DocumentTypeInvoice, original.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, reversed)
	assert.NotNil(t, reversed.ReversedAt)
}

func TestStaleCreditNoteIsReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.issueInvoice(t)

	req := ledgerdomain.ReserveCreditNoteRequest{
		OrgID:              f.orgID,
		OriginalExternalID: original.ExternalID,
		Reason:             "wrong client",
	}
	_, err := f.svc.ReserveCreditNote(ctx, req)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	reclaimed, err := f.svc.ReserveCreditNote(ctx, req)
	require.NoError(t, err)
	assert.True(t, reclaimed.Acquired)
	assert.Equal(t, 2, reclaimed.Entry.Attempts)
}

func TestConcurrentCreditNoteReservationHasOneWinner(t *testing.T) {
	f := newFixture(t)
	original := f.issueInvoice(t)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		busy     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ReserveCreditNote(context.Background(), ledgerdomain.ReserveCreditNoteRequest{
				OrgID:              f.orgID,
				OriginalExternalID: original.ExternalID,
				Reason:             "duplicate sale",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Acquired:
				acquired++
			case fiscalerr.KindOf(err) == fiscalerr.KindInProgress:
				busy++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
	assert.Equal(t, workers-1, busy)

	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.CreditNoteLedgerEntry{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestListPaginatesBySale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := f.invoiceRequest()
		req.DocumentType = providerdomain.DocumentTypeReceipt
		req.SourceID = snowflake.ID(1000 + i).String()
		_, err := f.svc.Reserve(ctx, req)
		require.NoError(t, err)
	}

	page, err := f.svc.List(ctx, ledgerdomain.ListRequest{OrgID: f.orgID, SaleID: f.sale.ID, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.PageInfo.HasMore)
	require.NotEmpty(t, page.PageInfo.NextPageToken)

	next, err := f.svc.List(ctx, ledgerdomain.ListRequest{OrgID: f.orgID, SaleID: f.sale.ID, PageSize: 2, PageToken: page.PageInfo.NextPageToken})
	require.NoError(t, err)
	assert.Len(t, next.Entries, 1)
	assert.False(t, next.PageInfo.HasMore)
	assert.Empty(t, next.PageInfo.NextPageToken)

	_, err = f.svc.List(ctx, ledgerdomain.ListRequest{OrgID: f.orgID, PageToken: "%%%"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}

func TestListMissingArtifactsHonorsCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, f.invoiceRequest())
	require.NoError(t, err)
	entry, err := f.svc.RecordIssued(ctx, res.Entry, issued("doc_1"))
	require.NoError(t, err)

	missing, err := f.svc.ListMissingArtifacts(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	f.clock.Advance(time.Hour)
	missing, err = f.svc.ListMissingArtifacts(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, entry.ID, missing[0].ID)
	assert.Equal(t, "doc_1", missing[0].ExternalID)

	_, err = f.svc.StoreArtifacts(ctx, *entry, []byte("%PDF"), "")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	missing, err = f.svc.ListMissingArtifacts(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
