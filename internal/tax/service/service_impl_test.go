package service

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	taxdomain "github.com/smallbiznis/fiscal/internal/tax/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func rate(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(v))
}

func TestComputeTaxRoundsHalfUp(t *testing.T) {
	tests := []struct {
		name string
		net  string
		rate string
		want string
	}{
		{name: "standard", net: "100", rate: "14", want: "14"},
		{name: "half cent rounds up", net: "0.25", rate: "10", want: "0.03"},
		{name: "below half rounds down", net: "0.24", rate: "10", want: "0.02"},
		{name: "zero rate", net: "50", rate: "0", want: "0"},
		{name: "zero net", net: "0", rate: "14", want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTax(dec(tt.net), dec(tt.rate))
			assert.True(t, got.Equal(dec(tt.want)), "got %s", got)
		})
	}
}

func TestValidateComputesLinesAndTotals(t *testing.T) {
	res, err := NewEngine().Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeInvoice,
		ClientTaxID:  "5000000000",
		Default:      taxdomain.Default{Rate: dec("14")},
		Items: []taxdomain.LineInput{
			{Description: "Consulting", Quantity: dec("2"), UnitPrice: dec("100")},
			{Description: "Books", Quantity: dec("1"), UnitPrice: dec("30"), TaxRate: rate("0"), ExemptionReason: "M10"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)

	assert.True(t, res.Lines[0].TaxRate.Equal(dec("14")))
	assert.True(t, res.Lines[0].Tax.Equal(dec("28")))
	assert.Empty(t, res.Lines[0].ExemptionReason)
	assert.Equal(t, "M10", res.Lines[1].ExemptionReason)
	assert.True(t, res.Lines[1].Tax.IsZero())

	assert.True(t, res.Totals.Net.Equal(dec("230")))
	assert.True(t, res.Totals.Tax.Equal(dec("28")))
	assert.True(t, res.Totals.Gross.Equal(dec("258")))
}

func TestValidateUsesOrganizationExemptionForZeroRate(t *testing.T) {
	res, err := NewEngine().Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeReceipt,
		Default:      taxdomain.Default{Rate: decimal.Zero, ExemptionReason: "M04"},
		Items: []taxdomain.LineInput{
			{Description: "Export", Quantity: dec("1"), UnitPrice: dec("10")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "M04", res.Lines[0].ExemptionReason)
}

func TestValidateBuildsSyntheticLineFromTotal(t *testing.T) {
	res, err := NewEngine().Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeInvoice,
		ClientTaxID:  "999999990",
		Default:      taxdomain.Default{Rate: dec("23")},
		Total:        dec("100"),
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, taxdomain.SyntheticLineDescription, res.Lines[0].Description)
	assert.True(t, res.Totals.Gross.Equal(dec("123")))
}

func TestValidateTaxInclusiveKeepsGross(t *testing.T) {
	res, err := NewEngine().Validate(taxdomain.Input{
		DocumentType:     providerdomain.DocumentTypeReceipt,
		Default:          taxdomain.Default{Rate: dec("14")},
		PricesIncludeTax: true,
		Items: []taxdomain.LineInput{
			{Description: "Payment", Quantity: dec("1"), UnitPrice: dec("114")},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Totals.Gross.Equal(dec("114")))
	assert.True(t, res.Totals.Tax.Equal(dec("14")))
	assert.True(t, res.Totals.Net.Equal(dec("100")))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		input taxdomain.Input
		kind  fiscalerr.Kind
		cause error
	}{
		{
			name: "zero rate without exemption",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeInvoice,
				ClientTaxID:  "1",
				Items:        []taxdomain.LineInput{{Quantity: dec("1"), UnitPrice: dec("5"), TaxRate: rate("0")}},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrMissingExemption,
		},
		{
			name: "invoice without client tax id",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeInvoice,
				ClientTaxID:  "  ",
				Default:      taxdomain.Default{Rate: dec("14")},
				Items:        []taxdomain.LineInput{{Quantity: dec("1"), UnitPrice: dec("5")}},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrMissingTaxID,
		},
		{
			name: "no items and no total",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeReceipt,
				Default:      taxdomain.Default{Rate: dec("14")},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrNoLines,
		},
		{
			name: "rate above one hundred",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeReceipt,
				Items:        []taxdomain.LineInput{{Quantity: dec("1"), UnitPrice: dec("5"), TaxRate: rate("140")}},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrInvalidTaxRate,
		},
		{
			name: "negative quantity",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeReceipt,
				Default:      taxdomain.Default{Rate: dec("14")},
				Items:        []taxdomain.LineInput{{Quantity: dec("-1"), UnitPrice: dec("5")}},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrInvalidQuantity,
		},
		{
			name: "negative price",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeReceipt,
				Default:      taxdomain.Default{Rate: dec("14")},
				Items:        []taxdomain.LineInput{{Quantity: dec("1"), UnitPrice: dec("-5")}},
			},
			kind:  fiscalerr.KindValidationFailed,
			cause: taxdomain.ErrInvalidUnitPrice,
		},
		{
			name: "already issued wins over validation",
			input: taxdomain.Input{
				DocumentType: providerdomain.DocumentTypeInvoice,
				Existing:     &taxdomain.ExistingReference{ExternalID: "doc_1", HumanReference: "FT 1"},
			},
			kind: fiscalerr.KindAlreadyIssued,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewEngine().Validate(tt.input)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.kind, fiscalerr.KindOf(err))
			if tt.cause != nil {
				assert.True(t, errors.Is(err, tt.cause))
			}
		})
	}
}

func TestAlreadyIssuedCarriesExistingReference(t *testing.T) {
	_, err := NewEngine().Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeInvoice,
		Existing:     &taxdomain.ExistingReference{ExternalID: "doc_1", HumanReference: "FT 1"},
	})
	fe := fiscalerr.As(err)
	assert.Equal(t, "doc_1", fe.ExternalID)
	assert.Equal(t, "FT 1", fe.Reference)
}

func TestLineErrorNamesPosition(t *testing.T) {
	_, err := NewEngine().Validate(taxdomain.Input{
		DocumentType: providerdomain.DocumentTypeReceipt,
		Default:      taxdomain.Default{Rate: dec("14")},
		Items: []taxdomain.LineInput{
			{Quantity: dec("1"), UnitPrice: dec("5")},
			{Quantity: dec("0"), UnitPrice: dec("5")},
		},
	})
	require.Error(t, err)
	assert.Contains(t, fiscalerr.As(err).Reason, "line 2")
}
