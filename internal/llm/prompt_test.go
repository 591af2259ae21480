package llm

import (
	"errors"
	"strings"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("prompts", func() {
	// one ASCII byte shifts every two byte rune so the limit lands inside one
	long := "x" + strings.Repeat("é", maxHintChars)

	It("says so when there is no OCR text", func() {
		p := BuildUserPrompt("  ", BuildReceiptJSONSchema(nil))
		Expect(p).To(ContainSubstring("No OCR text is available"))
		Expect(p).To(ContainSubstring("JSON Schema:"))
	})

	It("cuts long OCR hints without splitting characters", func() {
		p := BuildUserPrompt(long, BuildReceiptJSONSchema(nil))
		Expect(utf8.ValidString(p)).To(BeTrue())
		Expect(p).To(ContainSubstring("…(truncated)"))
	})

	It("quotes a bounded, valid previous answer in the repair prompt", func() {
		p := BuildRepairPrompt("user", long, errors.New("total_amount: bad"))
		Expect(utf8.ValidString(p)).To(BeTrue())
		Expect(p).To(HavePrefix("user"))
		Expect(p).To(ContainSubstring("total_amount: bad"))
		Expect(strings.Count(p, "é")).To(BeNumerically("<", maxHintChars))
	})
})
