package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.BillingConfiguration, error) {
	var item domain.BillingConfiguration
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, credentials, tax_default_rate, tax_default_exemption_reason,
			integration_enabled, default_series, session_token, session_expires_at, created_at, updated_at
		 FROM billing_configurations
		 WHERE org_id = ?
		 LIMIT 1`,
		orgID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, cfg *domain.BillingConfiguration) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_configurations (
			id, org_id, provider, credentials, tax_default_rate, tax_default_exemption_reason,
			integration_enabled, default_series, session_token, session_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?, ?)
		ON CONFLICT (org_id)
		DO UPDATE SET provider = EXCLUDED.provider,
			credentials = EXCLUDED.credentials,
			tax_default_rate = EXCLUDED.tax_default_rate,
			tax_default_exemption_reason = EXCLUDED.tax_default_exemption_reason,
			integration_enabled = EXCLUDED.integration_enabled,
			default_series = EXCLUDED.default_series,
			session_token = '',
			session_expires_at = NULL,
			updated_at = EXCLUDED.updated_at`,
		cfg.ID,
		cfg.OrgID,
		cfg.Provider,
		cfg.Credentials,
		cfg.TaxDefaultRate,
		cfg.TaxDefaultExemptionReason,
		cfg.IntegrationEnabled,
		cfg.DefaultSeries,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	).Error
}

func (r *repo) UpdateSession(ctx context.Context, db *gorm.DB, orgID snowflake.ID, token string, expiresAt, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_configurations
		 SET session_token = ?, session_expires_at = ?, updated_at = ?
		 WHERE org_id = ?`,
		token,
		expiresAt,
		updatedAt,
		orgID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
