// Package domain contains the per-organization billing integration settings.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProviderKind selects the external billing provider an organization issues through.
type ProviderKind string

const (
	ProviderKindA ProviderKind = "provider_a"
	ProviderKindB ProviderKind = "provider_b"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindA, ProviderKindB:
		return true
	default:
		return false
	}
}

// BillingConfiguration is the persisted row. Credentials hold an encrypted envelope.
type BillingConfiguration struct {
	ID                        snowflake.ID    `gorm:"primaryKey"`
	OrgID                     snowflake.ID    `gorm:"not null;uniqueIndex:ux_billing_configurations_org"`
	Provider                  ProviderKind    `gorm:"type:text;not null"`
	Credentials               datatypes.JSON  `gorm:"type:jsonb"`
	TaxDefaultRate            decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	TaxDefaultExemptionReason string          `gorm:"type:text;not null;default:''"`
	IntegrationEnabled        bool            `gorm:"not null;default:false"`
	DefaultSeries             string          `gorm:"type:text;not null;default:''"`
	SessionToken              string          `gorm:"type:text;not null;default:''"`
	SessionExpiresAt          *time.Time      `gorm:""`
	CreatedAt                 time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                 time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingConfiguration) TableName() string { return "billing_configurations" }

// Credentials is the decrypted provider credential set.
type Credentials struct {
	APIKey       string `json:"api_key,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Complete reports whether the credentials satisfy the provider's auth model.
func (c Credentials) Complete(kind ProviderKind) bool {
	switch kind {
	case ProviderKindA:
		return c.APIKey != ""
	case ProviderKindB:
		return c.ClientID != "" && c.ClientSecret != ""
	default:
		return false
	}
}

// TaxDefault is applied to lines that carry no rate or exemption of their own.
type TaxDefault struct {
	Rate            decimal.Decimal
	ExemptionReason string
}

type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Settings is the decrypted, validated view handed to the engine.
type Settings struct {
	OrgID         snowflake.ID
	Provider      ProviderKind
	Credentials   Credentials
	TaxDefault    TaxDefault
	DefaultSeries string
	Session       *Session
}
