package utils

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

func StrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// DecimalOrEmpty formats an amount with two places, or "" when unset.
func DecimalOrEmpty(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}

func DateOrEmpty(d *entity.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// ParseYMD reads an optional YYYY-MM-DD query value. Blank input yields nil.
func ParseYMD(s string) (*entity.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := entity.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (YYYY-MM-DD)", s)
	}
	return &d, nil
}

// ParseStatuses reads a comma separated status list; blanks are skipped.
func ParseStatuses(raw []string) ([]constants.ReceiptStatus, error) {
	var out []constants.ReceiptStatus
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			st, ok := constants.ParseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			out = append(out, st)
		}
	}
	return out, nil
}
