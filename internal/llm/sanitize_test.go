package llm

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CleanModelJSON", func() {
	DescribeTable("strips wrappers around the object",
		func(raw, want string) {
			Expect(CleanModelJSON(raw)).To(Equal(want))
		},
		Entry("plain", `{"a":1}`, `{"a":1}`),
		Entry("json fence", "```json\n{\"a\":1}\n```", `{"a":1}`),
		Entry("bare fence", "```\n{\"a\":1}\n```", `{"a":1}`),
		Entry("prose around", "Sure! {\"a\":1} Hope this helps.", `{"a":1}`),
		Entry("no object", "nothing here", "nothing here"),
	)
})

var _ = Describe("SanitizeOptionalFields", func() {
	decode := func(b []byte) map[string]any {
		var m map[string]any
		Expect(json.Unmarshal(b, &m)).To(Succeed())
		return m
	}

	It("renames synonyms and coerces amounts", func() {
		out, dropped, err := SanitizeOptionalFields([]byte(`{
			"merchant": " Corner Cafe ",
			"total": "$1,234.50",
			"tax": 7.25,
			"subtotal": "12,50",
			"currency_code": "usd"
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(dropped).To(BeEmpty())
		m := decode(out)
		Expect(m).To(HaveKeyWithValue("vendor", "Corner Cafe"))
		Expect(m).To(HaveKeyWithValue("total_amount", "1234.5"))
		Expect(m).To(HaveKeyWithValue("tax_amount", "7.25"))
		Expect(m).To(HaveKeyWithValue("subtotal_amount", "12.5"))
		Expect(m).To(HaveKeyWithValue("currency", "usd"))
	})

	It("drops unknown keys, empty strings and unparsable amounts", func() {
		out, dropped, err := SanitizeOptionalFields([]byte(`{
			"vendor": "",
			"total_amount": "twelve",
			"tip": "2.00",
			"date": "2024-01-02"
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(dropped).To(ConsistOf("vendor", "total_amount", "tip"))
		Expect(decode(out)).To(Equal(map[string]any{"date": "2024-01-02"}))
	})

	It("cleans line items and confidence", func() {
		out, dropped, err := SanitizeOptionalFields([]byte(`{
			"items": [
				{"name": "Latte", "amount": 4.5, "quantity": 1},
				{"description": ""},
				"junk"
			],
			"confidence": {"total": 90, "vendor": "high", "date": 400}
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(dropped).To(ConsistOf("line_items(2)"))
		m := decode(out)
		Expect(m["line_items"]).To(Equal([]any{
			map[string]any{"description": "Latte", "quantity": "1", "total_price": "4.5"},
		}))
		Expect(m["confidence"]).To(Equal(map[string]any{"total_amount": 90.0}))
	})

	It("rejects non-object documents", func() {
		_, _, err := SanitizeOptionalFields([]byte(`[1,2]`))
		Expect(err).To(HaveOccurred())
		_, _, err = SanitizeOptionalFields([]byte(`null`))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ValidateJSONAgainstSchema", func() {
	schema := BuildReceiptJSONSchema([]string{"food", "other"})

	It("accepts a complete receipt", func() {
		Expect(ValidateJSONAgainstSchema(schema, []byte(validAnswer))).To(Succeed())
	})

	It("rejects bad amounts, unknown keys and off-list categories", func() {
		Expect(ValidateJSONAgainstSchema(schema, []byte(`{"total_amount":"12.x"}`))).NotTo(Succeed())
		Expect(ValidateJSONAgainstSchema(schema, []byte(`{"surprise":true}`))).NotTo(Succeed())
		Expect(ValidateJSONAgainstSchema(schema, []byte(`{"category":"yachts"}`))).NotTo(Succeed())
		Expect(ValidateJSONAgainstSchema(schema, []byte(`{"line_items":[{"quantity":"1"}]}`))).NotTo(Succeed())
	})

	It("rejects invalid JSON", func() {
		Expect(ValidateJSONAgainstSchema(schema, []byte(`{`))).NotTo(Succeed())
	})
})
