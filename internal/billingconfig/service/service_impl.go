package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Cfg   config.Config
	Clock clock.Clock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	genID  *snowflake.Node
	clock  clock.Clock
	encKey []byte
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

var hundred = decimal.NewFromInt(100)

// Credential key derivation. The salt is fixed so every replica derives the same key.
const (
	kdfTime    uint32 = 1
	kdfMemory  uint32 = 64 * 1024
	kdfThreads uint8  = 4
	kdfKeyLen  uint32 = 32
)

var kdfSalt = []byte("fiscal/billing-credentials/v1")

func New(p Params) domain.Service {
	secret := strings.TrimSpace(p.Cfg.CredentialsSecret)
	var key []byte
	if secret != "" {
		key = argon2.IDKey([]byte(secret), kdfSalt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	}

	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billingconfig.service"),
		repo:   p.Repo,
		genID:  p.GenID,
		clock:  p.Clock,
		encKey: key,
	}
}

func (s *Service) Load(ctx context.Context, orgID snowflake.ID) (*domain.Settings, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	row, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fiscalerr.New(fiscalerr.KindConfigurationMissing, "billing integration is not configured")
	}
	if !row.IntegrationEnabled {
		return nil, fiscalerr.New(fiscalerr.KindConfigurationMissing, "billing integration is disabled")
	}
	if !row.Provider.Valid() {
		return nil, fiscalerr.New(fiscalerr.KindConfigurationMissing, "unknown billing provider")
	}
	if len(row.Credentials) == 0 {
		return nil, fiscalerr.New(fiscalerr.KindConfigurationMissing, "provider credentials are missing")
	}

	creds, err := s.decryptCredentials(row.Credentials)
	if err != nil {
		s.log.Error("failed to decrypt provider credentials",
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
		return nil, fiscalerr.Wrap(fiscalerr.KindConfigurationMissing, "provider credentials are unreadable", err)
	}
	if !creds.Complete(row.Provider) {
		return nil, fiscalerr.New(fiscalerr.KindConfigurationMissing, "provider credentials are incomplete")
	}

	settings := &domain.Settings{
		OrgID:       row.OrgID,
		Provider:    row.Provider,
		Credentials: creds,
		TaxDefault: domain.TaxDefault{
			Rate:            row.TaxDefaultRate,
			ExemptionReason: strings.TrimSpace(row.TaxDefaultExemptionReason),
		},
		DefaultSeries: strings.TrimSpace(row.DefaultSeries),
	}
	if row.SessionToken != "" && row.SessionExpiresAt != nil {
		settings.Session = &domain.Session{
			Token:     row.SessionToken,
			ExpiresAt: row.SessionExpiresAt.UTC(),
		}
	}
	return settings, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.Settings, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	provider := domain.ProviderKind(strings.ToLower(strings.TrimSpace(string(req.Provider))))
	if !provider.Valid() {
		return nil, domain.ErrInvalidProvider
	}

	creds := normalizeCredentials(req.Credentials)
	if !creds.Complete(provider) {
		return nil, domain.ErrInvalidCredentials
	}
	if req.TaxDefaultRate.IsNegative() || req.TaxDefaultRate.GreaterThan(hundred) {
		return nil, domain.ErrInvalidTaxRate
	}

	encrypted, err := s.encryptCredentials(creds)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByOrg(ctx, s.db, req.OrgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	row := domain.BillingConfiguration{
		ID:                        s.genID.Generate(),
		OrgID:                     req.OrgID,
		Provider:                  provider,
		Credentials:               encrypted,
		TaxDefaultRate:            req.TaxDefaultRate,
		TaxDefaultExemptionReason: strings.TrimSpace(req.TaxDefaultExemptionReason),
		IntegrationEnabled:        req.IntegrationEnabled,
		DefaultSeries:             strings.TrimSpace(req.DefaultSeries),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if existing != nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	}

	if err := s.repo.Upsert(ctx, s.db, &row); err != nil {
		return nil, err
	}

	s.log.Info("billing configuration saved",
		zap.String("org_id", req.OrgID.String()),
		zap.String("provider", string(provider)),
		zap.Bool("integration_enabled", row.IntegrationEnabled),
	)

	return &domain.Settings{
		OrgID:       row.OrgID,
		Provider:    provider,
		Credentials: creds,
		TaxDefault: domain.TaxDefault{
			Rate:            row.TaxDefaultRate,
			ExemptionReason: row.TaxDefaultExemptionReason,
		},
		DefaultSeries: row.DefaultSeries,
	}, nil
}

func (s *Service) SaveSession(ctx context.Context, orgID snowflake.ID, session domain.Session) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	updated, err := s.repo.UpdateSession(ctx, s.db, orgID, session.Token, session.ExpiresAt.UTC(), s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) encryptCredentials(creds domain.Credentials) (datatypes.JSON, error) {
	if len(s.encKey) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	gcm, err := s.cipher()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, payload, nil)
	encoded := encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	out, err := json.Marshal(encoded)
	if err != nil {
		return nil, err
	}

	return datatypes.JSON(out), nil
}

func (s *Service) decryptCredentials(raw datatypes.JSON) (domain.Credentials, error) {
	var creds domain.Credentials
	if len(s.encKey) == 0 {
		return creds, domain.ErrEncryptionKeyMissing
	}

	var envelope encryptedPayload
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return creds, err
	}
	if envelope.Version != 1 {
		return creds, errors.New("unsupported_credentials_version")
	}

	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return creds, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return creds, err
	}

	gcm, err := s.cipher()
	if err != nil {
		return creds, err
	}
	if len(nonce) != gcm.NonceSize() {
		return creds, errors.New("invalid_nonce")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, err
	}
	return normalizeCredentials(creds), nil
}

func (s *Service) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func normalizeCredentials(c domain.Credentials) domain.Credentials {
	return domain.Credentials{
		APIKey:       strings.TrimSpace(c.APIKey),
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: strings.TrimSpace(c.ClientSecret),
	}
}
