package entity

// Candidate is the raw structured output of the extraction model before
// normalization. Amounts and dates stay as strings until the normalizer
// parses them.
type Candidate struct {
	Vendor         string              `json:"vendor,omitempty"`
	Date           string              `json:"date,omitempty"`
	TotalAmount    string              `json:"total_amount,omitempty"`
	SubtotalAmount string              `json:"subtotal_amount,omitempty"`
	TaxAmount      string              `json:"tax_amount,omitempty"`
	Currency       string              `json:"currency,omitempty"`
	Category       string              `json:"category,omitempty"`
	PaymentMethod  string              `json:"payment_method,omitempty"`
	LineItems      []CandidateLineItem `json:"line_items,omitempty"`
	Confidence     map[string]float64  `json:"confidence,omitempty"`
}

type CandidateLineItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity,omitempty"`
	UnitPrice   string `json:"unit_price,omitempty"`
	TotalPrice  string `json:"total_price,omitempty"`
}

// Field names shared by candidates, confidence maps and receipt columns.
const (
	FieldVendor         = "vendor"
	FieldDate           = "date"
	FieldTotalAmount    = "total_amount"
	FieldSubtotalAmount = "subtotal_amount"
	FieldTaxAmount      = "tax_amount"
	FieldCurrency       = "currency"
	FieldCategory       = "category"
	FieldPaymentMethod  = "payment_method"
	FieldLineItems      = "line_items"
)

// CandidateFields lists every scalar and list field in schema order.
func CandidateFields() []string {
	return []string{
		FieldVendor, FieldDate, FieldTotalAmount, FieldSubtotalAmount, FieldTaxAmount,
		FieldCurrency, FieldCategory, FieldPaymentMethod, FieldLineItems,
	}
}

// Value returns the string value of a scalar field, "" for unknown or list fields.
func (c Candidate) Value(field string) string {
	switch field {
	case FieldVendor:
		return c.Vendor
	case FieldDate:
		return c.Date
	case FieldTotalAmount:
		return c.TotalAmount
	case FieldSubtotalAmount:
		return c.SubtotalAmount
	case FieldTaxAmount:
		return c.TaxAmount
	case FieldCurrency:
		return c.Currency
	case FieldCategory:
		return c.Category
	case FieldPaymentMethod:
		return c.PaymentMethod
	}
	return ""
}
