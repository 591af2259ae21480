package normalize

import (
	"strings"
	"time"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

// dateLayouts are tried in order; month-first wins over day-first for
// ambiguous slash dates.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02-01-2006",
	"02.01.2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"January 2 2006",
	"Mon, Jan 2, 2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDate reads a receipt date in any accepted layout.
func ParseDate(raw string) (entity.Date, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return entity.Date{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return entity.DateOf(t), true
		}
	}
	return entity.Date{}, false
}
