package normalize

import (
	"strings"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₹":   "INR",
	"C$":  "CAD",
	"CA$": "CAD",
	"A$":  "AUD",
	"AU$": "AUD",
	"₩":   "KRW",
	"₽":   "RUB",
	"₺":   "TRY",
	"₦":   "NGN",
	"R$":  "BRL",
	"Fr":  "CHF",
}

var currencyNames = map[string]string{
	"dollar":            "USD",
	"dollars":           "USD",
	"us dollar":         "USD",
	"us dollars":        "USD",
	"euro":              "EUR",
	"euros":             "EUR",
	"pound":             "GBP",
	"pounds":            "GBP",
	"pound sterling":    "GBP",
	"sterling":          "GBP",
	"yen":               "JPY",
	"rupee":             "INR",
	"rupees":            "INR",
	"canadian dollar":   "CAD",
	"canadian dollars":  "CAD",
	"australian dollar": "AUD",
	"swiss franc":       "CHF",
	"naira":             "NGN",
	"rmb":               "CNY",
	"yuan":              "CNY",
}

// ResolveCurrency maps an ISO code, symbol or name onto a validated ISO 4217
// code. ok is false when nothing matches.
func ResolveCurrency(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if code, ok := currencySymbols[s]; ok {
		return code, true
	}
	if code, ok := currencyNames[strings.ToLower(strings.Join(strings.Fields(s), " "))]; ok {
		return code, true
	}
	code := strings.ToUpper(s)
	if common.ValidateVar(code, "iso4217") == nil {
		return code, true
	}
	return "", false
}
