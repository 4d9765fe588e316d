package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	GetSale(ctx context.Context, orgID, saleID snowflake.ID) (*SaleDetails, error)
	GetPayment(ctx context.Context, orgID, saleID, paymentID snowflake.ID) (*Payment, error)

	// RecordInvoice sets the sale's invoice reference once. It reports false
	// when another reference is already present.
	RecordInvoice(ctx context.Context, orgID, saleID snowflake.ID, ref DocumentReference) (bool, error)
	// RecordInvoiceArtifacts backfills artifact locations; empty values leave the column untouched.
	RecordInvoiceArtifacts(ctx context.Context, orgID, saleID snowflake.ID, externalID, pdfPath, qrPath string) error
	RecordReceipt(ctx context.Context, orgID, paymentID snowflake.ID, ref DocumentReference) (bool, error)
	RecordReceiptPDF(ctx context.Context, orgID, paymentID snowflake.ID, externalID, path string) error

	CacheProviderClientID(ctx context.Context, orgID, clientID snowflake.ID, providerClientID string) error
}

type Repository interface {
	FindSale(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) (*Sale, error)
	ListItems(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID) ([]SaleLineItem, error)
	FindClient(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*Client, error)
	FindPayment(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID) (*Payment, error)

	SetInvoiceReference(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID, ref DocumentReference, now time.Time) (bool, error)
	SetInvoiceArtifacts(ctx context.Context, db *gorm.DB, orgID, saleID snowflake.ID, externalID, pdfPath, qrPath string, now time.Time) (bool, error)
	SetReceiptReference(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID, ref DocumentReference, now time.Time) (bool, error)
	SetReceiptPDFPath(ctx context.Context, db *gorm.DB, orgID, paymentID snowflake.ID, externalID, path string, now time.Time) (bool, error)
	SetProviderClientID(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID, providerClientID string, now time.Time) error
}

var (
	ErrSaleNotFound    = errors.New("sale_not_found")
	ErrClientNotFound  = errors.New("client_not_found")
	ErrPaymentNotFound = errors.New("payment_not_found")
)
