package constants

import (
	"strings"
)

type Category string

const (
	Food           Category = "food"
	Groceries      Category = "groceries"
	Travel         Category = "travel"
	Transport      Category = "transport"
	OfficeSupplies Category = "office supplies"
	MobileRecharge Category = "mobile recharge"
	Utilities      Category = "utilities"
	Healthcare     Category = "healthcare"
	Entertainment  Category = "entertainment"
	Shopping       Category = "shopping"
	Other          Category = "other"
)

var allCategories = []Category{
	Food,
	Groceries,
	Travel,
	Transport,
	OfficeSupplies,
	MobileRecharge,
	Utilities,
	Healthcare,
	Entertainment,
	Shopping,
	Other,
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// synonyms map free-form labels the model tends to use onto known categories.
var synonyms = map[string]Category{
	"restaurant":  Food,
	"dining":      Food,
	"meals":       Food,
	"cafe":        Food,
	"supermarket": Groceries,
	"grocery":     Groceries,
	"hotel":       Travel,
	"airline":     Travel,
	"flight":      Travel,
	"lodging":     Travel,
	"taxi":        Transport,
	"uber":        Transport,
	"lyft":        Transport,
	"fuel":        Transport,
	"parking":     Transport,
	"stationery":  OfficeSupplies,
	"recharge":    MobileRecharge,
	"mobile":      MobileRecharge,
	"cell phone":  MobileRecharge,
	"electricity": Utilities,
	"internet":    Utilities,
	"water":       Utilities,
	"pharmacy":    Healthcare,
	"medical":     Healthcare,
	"movies":      Entertainment,
	"retail":      Shopping,
	"clothing":    Shopping,
}

// Canonicalize maps a label onto a known category. Unknown labels are returned
// lowercased with ok=false so callers can keep the model's wording.
func Canonicalize(input string) (Category, bool) {
	normalized := strings.ToLower(strings.Join(strings.Fields(input), " "))
	if normalized == "" {
		return Other, false
	}
	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}
	for _, cat := range allCategories {
		if normalized == string(cat) {
			return cat, true
		}
	}
	return Category(normalized), false
}
