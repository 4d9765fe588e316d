package provider

import (
	"testing"

	"github.com/smallbiznis/fiscal/internal/provider/domain"
	"github.com/smallbiznis/fiscal/internal/provider/providera"
	"github.com/smallbiznis/fiscal/internal/provider/providerb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySelectsByKind(t *testing.T) {
	registry := NewRegistry(providera.NewFactory(), providerb.NewFactory()).
		WithEndpoint(providera.Kind, "http://a.example/").
		WithEndpoint(providerb.Kind, "http://b.example")

	a, err := registry.NewAdapter(" Provider_A ", domain.Credentials{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, providera.Kind, a.Kind())

	_, isAuth := domain.AuthenticatorOf(a)
	assert.False(t, isAuth)
	_, reportsChronology := domain.ChronologyReporterOf(a)
	assert.True(t, reportsChronology)

	b, err := registry.NewAdapter(providerb.Kind, domain.Credentials{ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	_, isAuth = domain.AuthenticatorOf(b)
	assert.True(t, isAuth)
	_, reportsChronology = domain.ChronologyReporterOf(b)
	assert.False(t, reportsChronology)
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := NewRegistry(providera.NewFactory())
	_, err := registry.NewAdapter("provider_z", domain.Credentials{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.False(t, registry.ProviderExists("provider_b"))
}

func TestIdentityCodeAndNumber(t *testing.T) {
	code, number := domain.DocumentIdentity{ID: "doc_1"}.CodeAndNumber(domain.DocumentTypeInvoice, "FT 501")
	assert.Equal(t, "FT", code)
	assert.Equal(t, "501", number)

	code, number = domain.DocumentIdentity{DocType: "RC", Series: "A", Number: "9"}.CodeAndNumber(domain.DocumentTypeReceipt, "RC A/9")
	assert.Equal(t, "RC", code)
	assert.Equal(t, "A-9", number)

	code, number = domain.DocumentIdentity{ID: "doc_1"}.CodeAndNumber(domain.DocumentTypeCreditNote, "")
	assert.Equal(t, "NC", code)
	assert.Equal(t, "doc_1", number)
}
