// Package normalize checks and normalizes extracted receipt candidates.
package normalize

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

const (
	moneyPlaces = 2

	// soft check penalties applied to the affected confidences
	penaltyTaxExceedsTotal = 0.5
	penaltyUnreconciled    = 0.5
)

// Config holds the knobs the normalizer needs.
type Config struct {
	ReconcileTolerance decimal.Decimal
	DefaultCurrency    string
}

func ConfigFrom(c common.ValidationConfig) Config {
	return Config{ReconcileTolerance: c.ReconcileTolerance, DefaultCurrency: c.DefaultCurrency}
}

// Failure is a hard validation failure. Reasons end up in receipt notes.
type Failure struct {
	Reasons []string
}

func (f *Failure) Error() string {
	return constants.ErrorDetailValidationFailed + ": " + strings.Join(f.Reasons, "; ")
}

func (f *Failure) Unwrap() error { return common.ErrPermanent }

type Normalizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Normalizer {
	if strings.TrimSpace(cfg.DefaultCurrency) == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.ReconcileTolerance.IsNegative() {
		cfg.ReconcileTolerance = decimal.Zero
	}
	return &Normalizer{cfg: cfg, logger: common.OrDefault(logger)}
}

// Normalize turns a model candidate into a committed-ready extraction.
// Warnings are returned in Extraction.Notes; hard failures as *Failure.
func (n *Normalizer) Normalize(c entity.Candidate) (*entity.Extraction, error) {
	out := &entity.Extraction{Confidence: make(map[string]float64, len(c.Confidence))}
	var reasons []string

	for k, v := range c.Confidence {
		out.Confidence[k] = clamp01(v)
	}

	if v := strings.TrimSpace(c.Vendor); v != "" {
		out.Vendor = &v
	}

	amount := func(field, raw string) *decimal.Decimal {
		d, err := parseAmount(raw)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s %q is not a number", field, raw))
		}
		return d
	}
	out.TotalAmount = amount(entity.FieldTotalAmount, c.TotalAmount)
	out.SubtotalAmount = amount(entity.FieldSubtotalAmount, c.SubtotalAmount)
	out.TaxAmount = amount(entity.FieldTaxAmount, c.TaxAmount)

	if out.Vendor == nil && strings.TrimSpace(c.TotalAmount) == "" {
		reasons = append(reasons, "vendor and total_amount are both missing")
	}

	if strings.TrimSpace(c.Currency) == "" {
		cur := n.cfg.DefaultCurrency
		out.Currency = &cur
		out.Notes = append(out.Notes, "currency missing, defaulted to "+cur)
	} else if code, ok := ResolveCurrency(c.Currency); ok {
		out.Currency = &code
	} else {
		reasons = append(reasons, fmt.Sprintf("currency %q is not a known ISO 4217 code", c.Currency))
	}

	if strings.TrimSpace(c.Date) == "" {
		out.Notes = append(out.Notes, "date missing")
	} else if d, ok := ParseDate(c.Date); ok {
		out.Date = &d
	} else {
		reasons = append(reasons, fmt.Sprintf("date %q could not be parsed", c.Date))
	}

	if cat := strings.TrimSpace(c.Category); cat != "" {
		canonical, _ := constants.Canonicalize(cat)
		s := string(canonical)
		out.Category = &s
	}
	if pm := normalizePaymentMethod(c.PaymentMethod); pm != "" {
		out.PaymentMethod = &pm
	}

	items, itemReasons := lineItemsFromCandidate(c.LineItems)
	out.LineItems = items
	reasons = append(reasons, itemReasons...)

	if len(reasons) > 0 {
		n.logger.Warn("normalize.hard_failure", "reasons", reasons)
		return nil, &Failure{Reasons: reasons}
	}

	n.softChecks(out)
	return out, nil
}

// softChecks records warnings and lowers confidences; they never fail.
func (n *Normalizer) softChecks(out *entity.Extraction) {
	if out.TaxAmount != nil && out.TotalAmount != nil && out.TaxAmount.GreaterThan(*out.TotalAmount) {
		out.Notes = append(out.Notes, fmt.Sprintf("tax_amount %s exceeds total_amount %s",
			out.TaxAmount.StringFixed(moneyPlaces), out.TotalAmount.StringFixed(moneyPlaces)))
		penalize(out.Confidence, entity.FieldTaxAmount, penaltyTaxExceedsTotal)
		penalize(out.Confidence, entity.FieldTotalAmount, penaltyTaxExceedsTotal)
	}

	if sum, ok := n.unreconciled(out); ok {
		out.Notes = append(out.Notes, fmt.Sprintf("line items sum %s does not reconcile with total_amount %s (tolerance %s)",
			sum.StringFixed(moneyPlaces), out.TotalAmount.StringFixed(moneyPlaces), n.cfg.ReconcileTolerance.String()))
		penalize(out.Confidence, entity.FieldLineItems, penaltyUnreconciled)
		penalize(out.Confidence, entity.FieldTotalAmount, penaltyUnreconciled)
	}
}

// unreconciled reports the line item sum when it differs from the total by
// more than the tolerance. Sums that match the total once tax is added count
// as reconciled.
func (n *Normalizer) unreconciled(out *entity.Extraction) (decimal.Decimal, bool) {
	if out.TotalAmount == nil || len(out.LineItems) == 0 {
		return decimal.Zero, false
	}
	sum, priced := decimal.Zero, 0
	for _, it := range out.LineItems {
		if it.TotalPrice != nil {
			sum = sum.Add(*it.TotalPrice)
			priced++
		}
	}
	if priced == 0 {
		return decimal.Zero, false
	}
	eps := n.cfg.ReconcileTolerance
	if sum.Sub(*out.TotalAmount).Abs().LessThanOrEqual(eps) {
		return sum, false
	}
	if out.TaxAmount != nil && sum.Add(*out.TaxAmount).Sub(*out.TotalAmount).Abs().LessThanOrEqual(eps) {
		return sum, false
	}
	return sum, true
}

func lineItemsFromCandidate(in []entity.CandidateLineItem) ([]entity.LineItem, []string) {
	if len(in) == 0 {
		return nil, nil
	}
	var reasons []string
	out := make([]entity.LineItem, 0, len(in))
	for i, raw := range in {
		desc := strings.TrimSpace(raw.Description)
		if desc == "" {
			continue
		}
		item := entity.LineItem{Description: desc}
		bad := func(field, value string) {
			reasons = append(reasons, fmt.Sprintf("line_items[%d].%s %q is not a number", i, field, value))
		}
		var err error
		if item.Quantity, err = parseDecimal(raw.Quantity); err != nil {
			bad("quantity", raw.Quantity)
		}
		if item.UnitPrice, err = parseAmount(raw.UnitPrice); err != nil {
			bad("unit_price", raw.UnitPrice)
		}
		if item.TotalPrice, err = parseAmount(raw.TotalPrice); err != nil {
			bad("total_price", raw.TotalPrice)
		}
		if item.TotalPrice == nil && item.Quantity != nil && item.UnitPrice != nil {
			t := item.Quantity.Mul(*item.UnitPrice).Round(moneyPlaces)
			item.TotalPrice = &t
		}
		out = append(out, item)
	}
	return out, reasons
}

// NormalizeEdit applies the same rounding, currency and category rules to a
// user edit. Unresolvable values are reported as validation errors.
func (n *Normalizer) NormalizeEdit(e entity.ReceiptEdit) (entity.ReceiptEdit, error) {
	v := common.NewValidator()

	if e.Vendor != nil {
		s := strings.TrimSpace(*e.Vendor)
		if s == "" {
			v.Add(common.ValidationError{Field: "vendor", Value: *e.Vendor, Message: "must not be blank"})
		}
		e.Vendor = &s
	}
	e.TotalAmount = roundPtr(e.TotalAmount)
	e.SubtotalAmount = roundPtr(e.SubtotalAmount)
	e.TaxAmount = roundPtr(e.TaxAmount)

	if e.Currency != nil {
		if code, ok := ResolveCurrency(*e.Currency); ok {
			e.Currency = &code
		} else {
			v.Add(common.ValidationError{Field: "currency", Value: *e.Currency, Message: "must be an ISO 4217 currency code"})
		}
	}
	if e.Category != nil {
		canonical, _ := constants.Canonicalize(*e.Category)
		s := string(canonical)
		e.Category = &s
	}
	if e.PaymentMethod != nil {
		s := normalizePaymentMethod(*e.PaymentMethod)
		e.PaymentMethod = &s
	}
	if e.LineItems != nil {
		items := make([]entity.LineItem, 0, len(*e.LineItems))
		for i, it := range *e.LineItems {
			it.Description = strings.TrimSpace(it.Description)
			if it.Description == "" {
				v.Add(common.ValidationError{Field: fmt.Sprintf("line_items[%d].description", i), Message: "is required"})
			}
			it.UnitPrice = roundPtr(it.UnitPrice)
			it.TotalPrice = roundPtr(it.TotalPrice)
			items = append(items, it)
		}
		e.LineItems = &items
	}

	if v.HasErrors() {
		return e, v.Error()
	}
	return e, nil
}

// parseAmount reads a decimal string and rounds it to cents, half away from
// zero. Empty input yields nil.
func parseAmount(raw string) (*decimal.Decimal, error) {
	d, err := parseDecimal(raw)
	if err != nil || d == nil {
		return nil, err
	}
	return roundPtr(d), nil
}

func parseDecimal(raw string) (*decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func roundPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := d.Round(moneyPlaces)
	return &r
}

func normalizePaymentMethod(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

func penalize(conf map[string]float64, field string, factor float64) {
	if v, ok := conf[field]; ok {
		conf[field] = clamp01(v * factor)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
