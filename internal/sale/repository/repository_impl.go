package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/sale/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindSale(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) (*domain.Sale, error) {
	var item domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, client_id, total_amount, sale_date, observations,
			invoice_external_id, invoice_reference, invoice_pdf_path, invoice_qr_path, invoice_provider,
			created_at, updated_at
		 FROM sales
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		saleID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) ([]domain.SaleLineItem, error) {
	var items []domain.SaleLineItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, sale_id, position, description, quantity, unit_price, tax_rate, exemption_reason, created_at
		 FROM sale_line_items
		 WHERE org_id = ? AND sale_id = ?
		 ORDER BY position ASC, id ASC`,
		orgID,
		saleID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindClient(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*domain.Client, error) {
	var item domain.Client
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, tax_id, email, address, country, provider_client_id, created_at, updated_at
		 FROM clients
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		clientID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, sale_id, amount, paid_at, method,
			receipt_external_id, receipt_reference, receipt_pdf_path, receipt_status,
			created_at, updated_at
		 FROM payments
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		paymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetInvoiceReference(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID, ref domain.DocumentReference, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales
		 SET invoice_external_id = ?, invoice_reference = ?, invoice_provider = ?,
			invoice_pdf_path = COALESCE(?, invoice_pdf_path),
			invoice_qr_path = COALESCE(?, invoice_qr_path),
			updated_at = ?
		 WHERE org_id = ? AND id = ? AND invoice_external_id IS NULL`,
		ref.ExternalID,
		ref.Reference,
		ref.Provider,
		nullable(ref.PDFPath),
		nullable(ref.QRPath),
		now,
		orgID,
		saleID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetInvoiceArtifacts(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID, externalID, pdfPath, qrPath string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales
		 SET invoice_pdf_path = COALESCE(?, invoice_pdf_path),
			invoice_qr_path = COALESCE(?, invoice_qr_path),
			updated_at = ?
		 WHERE org_id = ? AND id = ? AND invoice_external_id = ?`,
		nullable(pdfPath),
		nullable(qrPath),
		now,
		orgID,
		saleID,
		externalID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetReceiptReference(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID, ref domain.DocumentReference, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET receipt_external_id = ?, receipt_reference = ?, receipt_status = ?,
			receipt_pdf_path = COALESCE(?, receipt_pdf_path),
			updated_at = ?
		 WHERE org_id = ? AND id = ? AND receipt_external_id IS NULL`,
		ref.ExternalID,
		ref.Reference,
		domain.ReceiptStatusIssued,
		nullable(ref.PDFPath),
		now,
		orgID,
		paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetReceiptPDFPath(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID, externalID, path string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET receipt_pdf_path = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND receipt_external_id = ?`,
		path,
		now,
		orgID,
		paymentID,
		externalID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetProviderClientID(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, providerClientID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE clients
		 SET provider_client_id = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		providerClientID,
		now,
		orgID,
		clientID,
	).Error
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
