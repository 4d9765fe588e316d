// Package migration brings the fiscal schema up to date on startup.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/fiscal/internal/artifact"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	ledgerdomain "github.com/smallbiznis/fiscal/internal/ledger/domain"
	saledomain "github.com/smallbiznis/fiscal/internal/sale/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the engine owns. casbin_rule belongs to the policy adapter.
func Models() []any {
	return []any{
		&billingdomain.BillingConfiguration{},
		&saledomain.Client{},
		&saledomain.Sale{},
		&saledomain.SaleLineItem{},
		&saledomain.Payment{},
		&ledgerdomain.InvoiceLedgerEntry{},
		&ledgerdomain.CreditNoteLedgerEntry{},
		&artifact.StoredArtifact{},
		&auditdomain.AuditLog{},
	}
}

// Run applies the versioned SQL migrations on postgres and falls back to
// gorm's AutoMigrate for the other dialects.
func Run(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dbType != "postgres" {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.

	return nil
}
