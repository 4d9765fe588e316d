package service

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	taxdomain "github.com/smallbiznis/fiscal/internal/tax/domain"
)

var hundred = decimal.NewFromInt(100)

type engine struct{}

func NewEngine() taxdomain.Engine {
	return &engine{}
}

// Validate applies the exemption, tax id and duplicate rules in the order the
// orchestrator relies on: an existing reference wins over every other failure.
func (e *engine) Validate(in taxdomain.Input) (*taxdomain.Result, error) {
	if in.Existing != nil && strings.TrimSpace(in.Existing.ExternalID) != "" {
		return nil, fiscalerr.AlreadyIssued(in.Existing.ExternalID, in.Existing.HumanReference)
	}
	if !in.DocumentType.Valid() {
		return nil, fiscalerr.Wrap(fiscalerr.KindValidationFailed, taxdomain.ErrInvalidDocumentType.Error(), taxdomain.ErrInvalidDocumentType)
	}
	if in.DocumentType == providerdomain.DocumentTypeInvoice && strings.TrimSpace(in.ClientTaxID) == "" {
		return nil, fiscalerr.Wrap(fiscalerr.KindValidationFailed, taxdomain.ErrMissingTaxID.Error(), taxdomain.ErrMissingTaxID)
	}
	if err := validateRate(in.Default.Rate); err != nil {
		return nil, fiscalerr.Wrap(fiscalerr.KindValidationFailed, "default "+err.Error(), err)
	}

	items := in.Items
	if len(items) == 0 {
		if !in.Total.IsPositive() {
			return nil, fiscalerr.Wrap(fiscalerr.KindValidationFailed, taxdomain.ErrNoLines.Error(), taxdomain.ErrNoLines)
		}
		items = []taxdomain.LineInput{{
			Description: taxdomain.SyntheticLineDescription,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   in.Total,
		}}
	}

	result := &taxdomain.Result{Lines: make([]providerdomain.Line, 0, len(items))}
	for i, item := range items {
		line, err := computeLine(item, in.Default, in.PricesIncludeTax)
		if err != nil {
			return nil, taxdomain.LineError(i+1, err)
		}
		result.Lines = append(result.Lines, line)
		result.Totals.Net = result.Totals.Net.Add(line.Net)
		result.Totals.Tax = result.Totals.Tax.Add(line.Tax)
		result.Totals.Gross = result.Totals.Gross.Add(line.Gross)
	}
	return result, nil
}

func computeLine(item taxdomain.LineInput, def taxdomain.Default, inclusive bool) (providerdomain.Line, error) {
	if !item.Quantity.IsPositive() {
		return providerdomain.Line{}, taxdomain.ErrInvalidQuantity
	}
	if item.UnitPrice.IsNegative() {
		return providerdomain.Line{}, taxdomain.ErrInvalidUnitPrice
	}

	rate := def.Rate
	if item.TaxRate.Valid {
		rate = item.TaxRate.Decimal
	}
	if err := validateRate(rate); err != nil {
		return providerdomain.Line{}, err
	}

	exemption := ""
	if rate.IsZero() {
		exemption = strings.TrimSpace(item.ExemptionReason)
		if exemption == "" {
			exemption = strings.TrimSpace(def.ExemptionReason)
		}
		if exemption == "" {
			return providerdomain.Line{}, taxdomain.ErrMissingExemption
		}
	}

	description := strings.TrimSpace(item.Description)
	if description == "" {
		description = taxdomain.SyntheticLineDescription
	}

	amount := item.Quantity.Mul(item.UnitPrice).Round(2)
	net, tax := amount, ComputeTax(amount, rate)
	if inclusive {
		tax = ComputeTaxInclusive(amount, rate)
		net = amount.Sub(tax)
	}
	return providerdomain.Line{
		Description:     description,
		Quantity:        item.Quantity,
		UnitPrice:       item.UnitPrice,
		TaxRate:         rate,
		ExemptionReason: exemption,
		Net:             net,
		Tax:             tax,
		Gross:           net.Add(tax),
	}, nil
}

// ComputeTax returns the tax added on top of net at a percentage rate.
// Rounding is half away from zero to two places, which is half-up for the
// non-negative amounts the engine accepts.
func ComputeTax(net, ratePercent decimal.Decimal) decimal.Decimal {
	if net.IsZero() || ratePercent.IsZero() {
		return decimal.Zero
	}
	return net.Mul(ratePercent).Div(hundred).Round(2)
}

// ComputeTaxInclusive returns the tax contained in a gross amount.
func ComputeTaxInclusive(gross, ratePercent decimal.Decimal) decimal.Decimal {
	if gross.IsZero() || ratePercent.IsZero() {
		return decimal.Zero
	}
	divisor := hundred.Add(ratePercent)
	return gross.Mul(ratePercent).Div(divisor).Round(2)
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return taxdomain.ErrInvalidTaxRate
	}
	return nil
}
