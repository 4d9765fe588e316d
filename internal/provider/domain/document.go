// Package domain defines the capability set every billing provider adapter exposes.
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType is the kind of fiscal document being issued.
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeReceipt    DocumentType = "receipt"
	DocumentTypeCreditNote DocumentType = "credit_note"
)

func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeInvoice, DocumentTypeReceipt, DocumentTypeCreditNote:
		return true
	default:
		return false
	}
}

// Code is the fiscal document code printed in references.
func (t DocumentType) Code() string {
	switch t {
	case DocumentTypeInvoice:
		return "FT"
	case DocumentTypeReceipt:
		return "RC"
	case DocumentTypeCreditNote:
		return "NC"
	default:
		return "DOC"
	}
}

// DocumentIdentity locates a document on the provider that issued it.
// ProviderA identifies documents by an opaque id; ProviderB by type, series and number.
type DocumentIdentity struct {
	Provider string            `json:"provider"`
	ID       string            `json:"id,omitempty"`
	DocType  string            `json:"doc_type,omitempty"`
	Series   string            `json:"series,omitempty"`
	Number   string            `json:"number,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

func (d DocumentIdentity) IsZero() bool {
	return d.ID == "" && d.Number == ""
}

// ExternalID is the single string stored on sales, payments and ledger rows.
func (d DocumentIdentity) ExternalID() string {
	if d.ID != "" {
		return d.ID
	}
	parts := make([]string, 0, 3)
	for _, part := range []string{d.DocType, d.Series, d.Number} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

var referencePattern = regexp.MustCompile(`^\s*([A-Za-z]+)[\s\-/]+(.+?)\s*$`)

// CodeAndNumber splits a document into the code and number used for artifact naming.
func (d DocumentIdentity) CodeAndNumber(docType DocumentType, humanReference string) (string, string) {
	if d.Number != "" {
		code := d.DocType
		if code == "" {
			code = docType.Code()
		}
		number := d.Number
		if d.Series != "" {
			number = d.Series + "-" + d.Number
		}
		return code, number
	}
	if m := referencePattern.FindStringSubmatch(humanReference); m != nil {
		return strings.ToUpper(m[1]), m[2]
	}
	return docType.Code(), d.ExternalID()
}

// Client is the buyer as sent to the provider.
type Client struct {
	ProviderClientID string
	Name             string
	TaxID            string
	Email            string
	Address          string
	Country          string
}

// Line is a computed document line. Amounts are rounded to two places.
type Line struct {
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	TaxRate         decimal.Decimal
	ExemptionReason string
	Net             decimal.Decimal
	Tax             decimal.Decimal
	Gross           decimal.Decimal
}

type Totals struct {
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Gross decimal.Decimal
}

type DocumentRequest struct {
	Type           DocumentType
	IdempotencyKey string
	Date           time.Time
	Series         string
	Client         Client
	Lines          []Line
	Totals         Totals
	Observations   string
	PaymentMethod  string

	// Related is the invoice a receipt settles.
	Related *DocumentIdentity
}

type CreatedDocument struct {
	Identity       DocumentIdentity
	HumanReference string
	Finalized      bool
	PDF            []byte
	QRURL          string

	// Existing is set when the provider reported the idempotency key as already used.
	Existing bool
}

func (c CreatedDocument) ExternalID() string {
	return c.Identity.ExternalID()
}

type VoidRequest struct {
	Original       DocumentIdentity
	OriginalType   DocumentType
	Reason         string
	IdempotencyKey string
	Date           time.Time
	Series         string

	// Items replaces the original lines when only part of the document is reversed.
	Items []Line
}

type VoidResult struct {
	Identity       DocumentIdentity
	HumanReference string
}

func (v VoidResult) ExternalID() string {
	return v.Identity.ExternalID()
}
