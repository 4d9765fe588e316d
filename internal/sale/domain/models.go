// Package domain contains the CRM records fiscal documents are issued for.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Client struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	OrgID            snowflake.ID `gorm:"not null;index"`
	Name             string       `gorm:"type:text;not null"`
	TaxID            string       `gorm:"type:text;not null;default:''"`
	Email            string       `gorm:"type:text;not null;default:''"`
	Address          string       `gorm:"type:text;not null;default:''"`
	Country          string       `gorm:"type:text;not null;default:''"`
	ProviderClientID string       `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Client) TableName() string { return "clients" }

// Sale carries the primary invoice reference once one has been issued.
type Sale struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	OrgID             snowflake.ID    `gorm:"not null;index"`
	ClientID          snowflake.ID    `gorm:"not null;index"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	SaleDate          time.Time       `gorm:"type:date;not null"`
	Observations      string          `gorm:"type:text;not null;default:''"`
	InvoiceExternalID *string         `gorm:"type:text"`
	InvoiceReference  *string         `gorm:"type:text"`
	InvoicePDFPath    *string         `gorm:"column:invoice_pdf_path;type:text"`
	InvoiceQRPath     *string         `gorm:"column:invoice_qr_path;type:text"`
	InvoiceProvider   *string         `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Sale) TableName() string { return "sales" }

// HasInvoice reports whether the fast-path invoice guard is set.
func (s Sale) HasInvoice() bool {
	return s.InvoiceExternalID != nil && *s.InvoiceExternalID != ""
}

type SaleLineItem struct {
	ID              snowflake.ID        `gorm:"primaryKey"`
	OrgID           snowflake.ID        `gorm:"not null;index"`
	SaleID          snowflake.ID        `gorm:"not null;index"`
	Position        int                 `gorm:"not null;default:0"`
	Description     string              `gorm:"type:text;not null"`
	Quantity        decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	UnitPrice       decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	TaxRate         decimal.NullDecimal `gorm:"type:decimal(20,4)"`
	ExemptionReason string              `gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SaleLineItem) TableName() string { return "sale_line_items" }

type ReceiptStatus string

const (
	ReceiptStatusNone   ReceiptStatus = ""
	ReceiptStatusIssued ReceiptStatus = "issued"
)

type Payment struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	OrgID             snowflake.ID    `gorm:"not null;index"`
	SaleID            snowflake.ID    `gorm:"not null;index"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	PaidAt            time.Time       `gorm:"not null"`
	Method            string          `gorm:"type:text;not null;default:''"`
	ReceiptExternalID *string         `gorm:"type:text"`
	ReceiptReference  *string         `gorm:"type:text"`
	ReceiptPDFPath    *string         `gorm:"column:receipt_pdf_path;type:text"`
	ReceiptStatus     ReceiptStatus   `gorm:"type:text;not null;default:''"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

func (p Payment) HasReceipt() bool {
	return p.ReceiptExternalID != nil && *p.ReceiptExternalID != ""
}

// SaleDetails is a sale loaded with its lines and client.
type SaleDetails struct {
	Sale   Sale
	Items  []SaleLineItem
	Client Client
}

// DocumentReference is written back onto a Sale or Payment after issuance.
type DocumentReference struct {
	ExternalID string
	Reference  string
	Provider   string
	PDFPath    string
	QRPath     string
}
