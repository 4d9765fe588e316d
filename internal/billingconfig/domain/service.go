package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service interface {
	// Load returns decrypted settings, or configuration_missing when the
	// organization cannot issue documents yet.
	Load(ctx context.Context, orgID snowflake.ID) (*Settings, error)
	Upsert(ctx context.Context, req UpsertRequest) (*Settings, error)
	SaveSession(ctx context.Context, orgID snowflake.ID, session Session) error
}

type Repository interface {
	FindByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*BillingConfiguration, error)
	Upsert(ctx context.Context, db *gorm.DB, cfg *BillingConfiguration) error
	UpdateSession(ctx context.Context, db *gorm.DB, orgID snowflake.ID, token string, expiresAt, updatedAt time.Time) (bool, error)
}

type UpsertRequest struct {
	OrgID                     snowflake.ID    `json:"-"`
	Provider                  ProviderKind    `json:"provider"`
	Credentials               Credentials     `json:"credentials"`
	TaxDefaultRate            decimal.Decimal `json:"tax_default_rate"`
	TaxDefaultExemptionReason string          `json:"tax_default_exemption_reason"`
	IntegrationEnabled        bool            `json:"integration_enabled"`
	DefaultSeries             string          `json:"default_series"`
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrInvalidTaxRate       = errors.New("invalid_tax_rate")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrNotFound             = errors.New("not_found")
)
