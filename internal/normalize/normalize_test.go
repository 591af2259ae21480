package normalize

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

var _ = Describe("Normalizer", func() {
	var n *Normalizer

	BeforeEach(func() {
		n = New(Config{ReconcileTolerance: decimal.RequireFromString("0.05"), DefaultCurrency: "USD"}, nil)
	})

	base := func() entity.Candidate {
		return entity.Candidate{
			Vendor:      " Corner Cafe ",
			Date:        "2024-03-01",
			TotalAmount: "12.50",
			Currency:    "USD",
		}
	}

	failureReasons := func(err error) []string {
		var f *Failure
		ExpectWithOffset(1, errors.As(err, &f)).To(BeTrue())
		return f.Reasons
	}

	It("normalizes a clean candidate without warnings", func() {
		c := base()
		c.Category = "Restaurant"
		c.PaymentMethod = "  VISA  Card "
		c.Confidence = map[string]float64{"vendor": 0.9}
		out, err := n.Normalize(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(*out.Vendor).To(Equal("Corner Cafe"))
		Expect(out.Date.String()).To(Equal("2024-03-01"))
		Expect(out.TotalAmount.StringFixed(2)).To(Equal("12.50"))
		Expect(*out.Currency).To(Equal("USD"))
		Expect(*out.Category).To(Equal("food"))
		Expect(*out.PaymentMethod).To(Equal("visa card"))
		Expect(out.Notes).To(BeEmpty())
		Expect(out.Confidence).To(HaveKeyWithValue("vendor", 0.9))
	})

	DescribeTable("rounds money half away from zero",
		func(in, want string) {
			c := base()
			c.TotalAmount = in
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.TotalAmount.StringFixed(2)).To(Equal(want))
		},
		Entry("up", "10.005", "10.01"),
		Entry("down", "10.004", "10.00"),
		Entry("negative", "-10.005", "-10.01"),
		Entry("whole", "7", "7.00"),
	)

	DescribeTable("resolves currencies",
		func(in, want string) {
			c := base()
			c.Currency = in
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(*out.Currency).To(Equal(want))
		},
		Entry("code", "eur", "EUR"),
		Entry("dollar sign", "$", "USD"),
		Entry("euro sign", "€", "EUR"),
		Entry("pound sign", "£", "GBP"),
		Entry("yen sign", "¥", "JPY"),
		Entry("rupee sign", "₹", "INR"),
		Entry("name", "Pounds", "GBP"),
		Entry("spaced code", " cad ", "CAD"),
	)

	DescribeTable("parses accepted date layouts",
		func(in string) {
			c := base()
			c.Date = in
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Date.Time).To(Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		},
		Entry("iso", "2024-03-01"),
		Entry("slashes ymd", "2024/03/01"),
		Entry("us", "03/01/2024"),
		Entry("dashes dmy", "01-03-2024"),
		Entry("month name", "Mar 1 2024"),
		Entry("month name comma", "March 1, 2024"),
		Entry("day first name", "1 Mar 2024"),
		Entry("timestamp", "2024-03-01 18:22:10"),
	)

	It("defaults a missing currency with a warning", func() {
		c := base()
		c.Currency = ""
		out, err := n.Normalize(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(*out.Currency).To(Equal("USD"))
		Expect(out.Notes).To(ContainElement(ContainSubstring("currency missing")))
	})

	It("warns on a missing date", func() {
		c := base()
		c.Date = ""
		out, err := n.Normalize(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Date).To(BeNil())
		Expect(out.Notes).To(ContainElement("date missing"))
	})

	It("accepts a vendor without a total and a total without a vendor", func() {
		c := base()
		c.TotalAmount = ""
		_, err := n.Normalize(c)
		Expect(err).NotTo(HaveOccurred())

		c = base()
		c.Vendor = ""
		_, err = n.Normalize(c)
		Expect(err).NotTo(HaveOccurred())
	})

	Context("hard failures", func() {
		It("rejects a candidate with neither vendor nor total", func() {
			c := base()
			c.Vendor, c.TotalAmount = "", ""
			_, err := n.Normalize(c)
			Expect(common.IsPermanent(err)).To(BeTrue())
			Expect(err.Error()).To(HavePrefix("validation_failed"))
			Expect(failureReasons(err)).To(ContainElement(ContainSubstring("both missing")))
		})

		It("rejects an unresolvable currency", func() {
			c := base()
			c.Currency = "doubloons"
			_, err := n.Normalize(c)
			Expect(failureReasons(err)).To(ConsistOf(ContainSubstring("doubloons")))
		})

		It("rejects an unparsable date", func() {
			c := base()
			c.Date = "the day after tomorrow"
			_, err := n.Normalize(c)
			Expect(failureReasons(err)).To(ConsistOf(ContainSubstring("could not be parsed")))
		})

		It("collects every reason", func() {
			c := entity.Candidate{Currency: "XXZ", Date: "soon"}
			_, err := n.Normalize(c)
			Expect(failureReasons(err)).To(HaveLen(3))
		})
	})

	Context("soft checks", func() {
		items := func(prices ...string) []entity.CandidateLineItem {
			out := make([]entity.CandidateLineItem, len(prices))
			for i, p := range prices {
				out[i] = entity.CandidateLineItem{Description: "item", TotalPrice: p}
			}
			return out
		}

		It("accepts line items within the tolerance", func() {
			c := base()
			c.TotalAmount = "10.04"
			c.LineItems = items("4.00", "6.00")
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Notes).To(BeEmpty())
		})

		It("accepts line items that add up to the total once tax is included", func() {
			c := base()
			c.TotalAmount = "11.00"
			c.TaxAmount = "1.00"
			c.LineItems = items("4.00", "6.00")
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Notes).To(BeEmpty())
		})

		It("warns and lowers confidence when line items do not reconcile", func() {
			c := base()
			c.TotalAmount = "10.10"
			c.LineItems = items("4.00", "6.00")
			c.Confidence = map[string]float64{"line_items": 0.8, "total_amount": 0.9}
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Notes).To(ConsistOf(ContainSubstring("does not reconcile")))
			Expect(out.Confidence["line_items"]).To(BeNumerically("~", 0.4, 1e-9))
			Expect(out.Confidence["total_amount"]).To(BeNumerically("~", 0.45, 1e-9))
		})

		It("derives item totals from quantity and unit price", func() {
			c := base()
			c.TotalAmount = "7.00"
			c.LineItems = []entity.CandidateLineItem{{Description: "Bagel", Quantity: "2", UnitPrice: "3.50"}}
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.LineItems[0].TotalPrice.StringFixed(2)).To(Equal("7.00"))
			Expect(out.Notes).To(BeEmpty())
		})

		It("warns when tax exceeds total", func() {
			c := base()
			c.TaxAmount = "20.00"
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Notes).To(ConsistOf(ContainSubstring("exceeds total_amount")))
		})

		It("clamps confidences", func() {
			c := base()
			c.Confidence = map[string]float64{"vendor": 1.7, "date": -0.2}
			out, err := n.Normalize(c)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Confidence).To(Equal(map[string]float64{"vendor": 1, "date": 0}))
		})
	})

	Describe("NormalizeEdit", func() {
		It("rounds amounts, resolves currency and canonicalizes category", func() {
			total := decimal.RequireFromString("9.999")
			cur, cat := "€", "Taxi"
			items := []entity.LineItem{{Description: " Ride ", TotalPrice: &total}}
			e, err := n.NormalizeEdit(entity.ReceiptEdit{TotalAmount: &total, Currency: &cur, Category: &cat, LineItems: &items})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.TotalAmount.StringFixed(2)).To(Equal("10.00"))
			Expect(*e.Currency).To(Equal("EUR"))
			Expect(*e.Category).To(Equal("transport"))
			Expect((*e.LineItems)[0].Description).To(Equal("Ride"))
			Expect((*e.LineItems)[0].TotalPrice.StringFixed(2)).To(Equal("10.00"))
		})

		It("reports bad values as validation errors", func() {
			cur, vendor := "zzz", "  "
			_, err := n.NormalizeEdit(entity.ReceiptEdit{Currency: &cur, Vendor: &vendor})
			Expect(errors.Is(err, common.ErrValidation)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("currency"))
		})
	})
})
