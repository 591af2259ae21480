package llm

import (
	"encoding/json"
	"strings"

	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

const maxHintChars = 3000

// PromptOptions carries the knobs that shape the system message.
type PromptOptions struct {
	AllowedCategories []string
	DefaultCurrency   string
}

// BuildSystemPrompt composes the system message with the currency default,
// the category list and formatting rules.
func BuildSystemPrompt(opts PromptOptions) string {
	var catLine string
	if len(opts.AllowedCategories) > 0 {
		catLine = "If you include a 'category' it MUST be exactly one of: " +
			strings.Join(opts.AllowedCategories, ", ") + ". If uncertain, choose 'other'."
	} else {
		catLine = "If you include a 'category', use a short lowercase label such as 'food' or 'travel'."
	}

	defCur := strings.TrimSpace(opts.DefaultCurrency)
	if defCur == "" {
		defCur = "USD"
	}

	parts := []string{
		"You are a receipts parser. Return ONLY a JSON object that matches the provided JSON Schema.",
		"Read the attached receipt image. OCR text may be supplied as a hint; it can contain recognition errors, so trust the image when they disagree.",
		"Use the printed store name for 'vendor'.",
		"Use ISO-8601 dates (YYYY-MM-DD) for 'date' when the printed date is unambiguous; otherwise copy it as printed.",
		"Write amounts as plain decimal strings without currency symbols or thousands separators, e.g. \"1234.50\".",
		"Put the grand total in 'total_amount', the pre-tax sum in 'subtotal_amount' and taxes in 'tax_amount'.",
		"Use a 3-letter ISO 4217 code for 'currency' when you can tell; the default for this account is " + defCur + ".",
		catLine,
		"List purchased items in printed order under 'line_items' with 'description' and, when visible, 'quantity', 'unit_price' and 'total_price'.",
		"Report your confidence per field as a number between 0 and 1 under 'confidence', keyed by field name.",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt packages the OCR hint and the schema. Empty hint text is
// stated explicitly so the model relies on the image.
func BuildUserPrompt(hintText string, schema map[string]any) string {
	var b strings.Builder
	hint := strings.TrimSpace(hintText)
	if hint == "" {
		b.WriteString("No OCR text is available for this receipt; read the image.\n")
	} else {
		b.WriteString("OCR text (first ~3k chars):\n")
		if len(hint) > maxHintChars {
			b.WriteString(utils.Truncate(hint, maxHintChars))
			b.WriteString("\n…(truncated)")
		} else {
			b.WriteString(hint)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nJSON Schema:\n")
	b.WriteString(mustJSON(schema))
	b.WriteString("\n\nReturn ONLY JSON that matches the schema.")
	return b.String()
}

// BuildRepairPrompt asks the model to fix its previous answer, quoting the
// validation error.
func BuildRepairPrompt(userPrompt, previous string, validationErr error) string {
	prev := strings.TrimSpace(previous)
	if len(prev) > maxHintChars {
		prev = utils.Truncate(prev, maxHintChars)
	}
	var b strings.Builder
	b.WriteString(userPrompt)
	b.WriteString("\n\nYour previous answer was rejected.\nPrevious answer:\n")
	b.WriteString(prev)
	b.WriteString("\n\nValidation error:\n")
	if validationErr != nil {
		b.WriteString(validationErr.Error())
	}
	b.WriteString("\n\nReturn a corrected JSON object only. Do not add commentary or code fences.")
	return b.String()
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
