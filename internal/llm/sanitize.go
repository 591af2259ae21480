package llm

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

var (
	reDecimal      = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	reDecimalComma = regexp.MustCompile(`^-?\d+,\d{1,2}$`)
	reAmountNoise  = regexp.MustCompile(`[^0-9.,\-]`)

	moneyFields = []string{entity.FieldTotalAmount, entity.FieldSubtotalAmount, entity.FieldTaxAmount}
	textFields  = []string{
		entity.FieldVendor, entity.FieldDate, entity.FieldCurrency,
		entity.FieldCategory, entity.FieldPaymentMethod,
	}
	itemAmountFields = []string{"quantity", "unit_price", "total_price"}

	// synonyms models tend to use instead of schema keys.
	keySynonyms = map[string]string{
		"merchant":         entity.FieldVendor,
		"merchant_name":    entity.FieldVendor,
		"store":            entity.FieldVendor,
		"store_name":       entity.FieldVendor,
		"tx_date":          entity.FieldDate,
		"transaction_date": entity.FieldDate,
		"total":            entity.FieldTotalAmount,
		"subtotal":         entity.FieldSubtotalAmount,
		"tax":              entity.FieldTaxAmount,
		"currency_code":    entity.FieldCurrency,
		"items":            entity.FieldLineItems,
	}
)

// CleanModelJSON strips markdown fences and surrounding prose from a model
// answer, keeping the outermost JSON object.
func CleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

// SanitizeOptionalFields renames known synonyms, coerces amounts to decimal
// strings, drops null or empty values and removes keys the schema does not
// know, so a mostly-right answer can still validate. It returns the cleaned
// document and the list of keys it dropped.
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	if m == nil {
		return nil, nil, fmt.Errorf("sanitize: top-level value is not an object")
	}

	var dropped []string
	for from, to := range keySynonyms {
		v, ok := m[from]
		if !ok {
			continue
		}
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
	}

	for _, k := range moneyFields {
		v, ok := m[k]
		if !ok {
			continue
		}
		if s, ok := coerceAmount(v); ok {
			m[k] = s
		} else {
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	for _, k := range textFields {
		v, ok := m[k]
		if !ok {
			continue
		}
		s, isString := v.(string)
		s = strings.TrimSpace(s)
		if !isString || s == "" || strings.EqualFold(s, "null") {
			delete(m, k)
			dropped = append(dropped, k)
			continue
		}
		m[k] = s
	}

	if v, ok := m[entity.FieldLineItems]; ok {
		items, n := sanitizeLineItems(v)
		if items == nil {
			delete(m, entity.FieldLineItems)
			dropped = append(dropped, entity.FieldLineItems)
		} else {
			m[entity.FieldLineItems] = items
			if n > 0 {
				dropped = append(dropped, fmt.Sprintf("%s(%d)", entity.FieldLineItems, n))
			}
		}
	}

	if v, ok := m["confidence"]; ok {
		if conf := sanitizeConfidence(v); conf != nil {
			m["confidence"] = conf
		} else {
			delete(m, "confidence")
			dropped = append(dropped, "confidence")
		}
	}

	allowed := append(slices.Clone(entity.CandidateFields()), "confidence")
	for k := range maps.Clone(m) {
		if !slices.Contains(allowed, k) {
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	slices.Sort(dropped)
	return out, dropped, nil
}

// sanitizeLineItems keeps items with a description and returns how many were
// discarded. A non-array value yields nil.
func sanitizeLineItems(v any) ([]any, int) {
	list, ok := v.([]any)
	if !ok {
		return nil, 0
	}
	out := make([]any, 0, len(list))
	discarded := 0
	for _, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			discarded++
			continue
		}
		desc, _ := item["description"].(string)
		if strings.TrimSpace(desc) == "" {
			desc, _ = item["name"].(string)
		}
		desc = strings.TrimSpace(desc)
		if desc == "" {
			discarded++
			continue
		}
		clean := map[string]any{"description": desc}
		if _, ok := item["total_price"]; !ok {
			if amt, ok := item["amount"]; ok {
				item["total_price"] = amt
			}
		}
		for _, k := range itemAmountFields {
			if s, ok := coerceAmount(item[k]); ok {
				clean[k] = s
			}
		}
		out = append(out, clean)
	}
	return out, discarded
}

func sanitizeConfidence(v any) map[string]any {
	in, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, raw := range in {
		f, ok := raw.(float64)
		if !ok || f < 0 || f > 100 {
			continue
		}
		if to, ok := keySynonyms[k]; ok {
			k = to
		}
		out[k] = f
	}
	return out
}

// coerceAmount turns model-formatted numbers ("$1,234.50", 12.5, "12,50")
// into plain decimal strings.
func coerceAmount(v any) (string, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t).String(), true
	case string:
		s := reAmountNoise.ReplaceAllString(strings.TrimSpace(t), "")
		if reDecimalComma.MatchString(s) {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
		if !reDecimal.MatchString(s) {
			return "", false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return "", false
		}
		return d.String(), true
	}
	return "", false
}
