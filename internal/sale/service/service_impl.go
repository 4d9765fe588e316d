package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"github.com/smallbiznis/fiscal/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("sale.service"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) GetSale(ctx context.Context, orgID, saleID snowflake.ID) (*domain.SaleDetails, error) {
	sale, err := s.repo.FindSale(ctx, s.db, orgID, saleID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, fiscalerr.Wrap(fiscalerr.KindNotFound, "sale not found", domain.ErrSaleNotFound)
	}

	items, err := s.repo.ListItems(ctx, s.db, orgID, saleID)
	if err != nil {
		return nil, err
	}

	client, err := s.repo.FindClient(ctx, s.db, orgID, sale.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fiscalerr.Wrap(fiscalerr.KindNotFound, "client not found", domain.ErrClientNotFound)
	}

	return &domain.SaleDetails{Sale: *sale, Items: items, Client: *client}, nil
}

func (s *Service) GetPayment(ctx context.Context, orgID, saleID, paymentID snowflake.ID) (*domain.Payment, error) {
	payment, err := s.repo.FindPayment(ctx, s.db, orgID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.SaleID != saleID {
		return nil, fiscalerr.Wrap(fiscalerr.KindNotFound, "payment not found", domain.ErrPaymentNotFound)
	}
	return payment, nil
}

func (s *Service) RecordInvoice(ctx context.Context, orgID, saleID snowflake.ID, ref domain.DocumentReference) (bool, error) {
	return s.repo.SetInvoiceReference(ctx, s.db, orgID, saleID, ref, s.clock.Now().UTC())
}

func (s *Service) RecordInvoiceArtifacts(ctx context.Context, orgID, saleID snowflake.ID, externalID, pdfPath, qrPath string) error {
	if pdfPath == "" && qrPath == "" {
		return nil
	}
	updated, err := s.repo.SetInvoiceArtifacts(ctx, s.db, orgID, saleID, externalID, pdfPath, qrPath, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		s.log.Warn("sale does not carry the invoice, artifacts not recorded",
			zap.String("sale_id", saleID.String()),
			zap.String("external_id", externalID),
		)
	}
	return nil
}

func (s *Service) RecordReceipt(ctx context.Context, orgID, paymentID snowflake.ID, ref domain.DocumentReference) (bool, error) {
	return s.repo.SetReceiptReference(ctx, s.db, orgID, paymentID, ref, s.clock.Now().UTC())
}

func (s *Service) RecordReceiptPDF(ctx context.Context, orgID, paymentID snowflake.ID, externalID, path string) error {
	updated, err := s.repo.SetReceiptPDFPath(ctx, s.db, orgID, paymentID, externalID, path, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		s.log.Warn("payment does not carry the receipt, pdf path not recorded",
			zap.String("payment_id", paymentID.String()),
			zap.String("external_id", externalID),
		)
	}
	return nil
}

func (s *Service) CacheProviderClientID(ctx context.Context, orgID, clientID snowflake.ID, providerClientID string) error {
	providerClientID = strings.TrimSpace(providerClientID)
	if providerClientID == "" {
		return nil
	}
	return s.repo.SetProviderClientID(ctx, s.db, orgID, clientID, providerClientID, s.clock.Now().UTC())
}
