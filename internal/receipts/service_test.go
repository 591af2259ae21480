package receipts

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/normalize"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("Service", func() {
	var (
		ctx  context.Context
		repo repository.ReceiptRepository
		svc  *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = openRepo()
		svc = NewService(repo, normalize.New(normalize.Config{DefaultCurrency: "USD"}, nil), nil)
	})

	on := func(day int) *entity.Extraction {
		return &entity.Extraction{Vendor: ptr("Cafe"), Date: ptr(entity.NewDate(2024, time.May, day))}
	}

	Describe("GetReceipt", func() {
		It("returns a stored receipt", func() {
			rec := seed(repo, "owner-1", nil)
			got, err := svc.GetReceipt(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(rec.ID))
		})

		It("reports unknown ids", func() {
			_, err := svc.GetReceipt(ctx, uuid.New())
			Expect(common.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("ListReceipts", func() {
		BeforeEach(func() {
			seed(repo, "owner-1", on(2))
			seed(repo, "owner-1", on(15))
			seed(repo, "owner-1", nil)
			seed(repo, "owner-2", on(15))
		})

		It("lists only the owner's receipts", func() {
			recs, err := svc.ListReceipts(ctx, ListReceiptsRequest{OwnerID: "owner-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(3))
		})

		It("filters by status and date window", func() {
			recs, err := svc.ListReceipts(ctx, ListReceiptsRequest{OwnerID: "owner-1", Statuses: []string{"pending"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))

			recs, err = svc.ListReceipts(ctx, ListReceiptsRequest{OwnerID: "owner-1", FromDate: "2024-05-10", ToDate: "2024-05-31"})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Date.String()).To(Equal("2024-05-15"))
		})

		It("pages with limit and offset", func() {
			first, err := svc.ListReceipts(ctx, ListReceiptsRequest{OwnerID: "owner-1", Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(2))
			rest, err := svc.ListReceipts(ctx, ListReceiptsRequest{OwnerID: "owner-1", Limit: 2, Offset: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(rest).To(HaveLen(1))
			Expect(rest[0].ID).NotTo(BeElementOf(first[0].ID, first[1].ID))
		})

		DescribeTable("rejects bad requests",
			func(req ListReceiptsRequest) {
				_, err := svc.ListReceipts(ctx, req)
				Expect(errors.Is(err, common.ErrValidation)).To(BeTrue())
			},
			Entry("missing owner", ListReceiptsRequest{}),
			Entry("unknown status", ListReceiptsRequest{OwnerID: "owner-1", Statuses: []string{"archived"}}),
			Entry("bad date", ListReceiptsRequest{OwnerID: "owner-1", FromDate: "05/10/2024"}),
			Entry("inverted window", ListReceiptsRequest{OwnerID: "owner-1", FromDate: "2024-06-01", ToDate: "2024-05-01"}),
			Entry("negative offset", ListReceiptsRequest{OwnerID: "owner-1", Offset: -1}),
		)
	})

	Describe("EditReceipt", func() {
		It("normalizes and stores the correction", func() {
			rec := seed(repo, "owner-1", on(2))
			total := decimal.RequireFromString("19.999")
			got, err := svc.EditReceipt(ctx, rec.ID, entity.ReceiptEdit{
				Vendor:        ptr("  Corner Cafe "),
				TotalAmount:   &total,
				Currency:      ptr("eur"),
				PaymentMethod: ptr(" VISA  Debit"),
				LineItems:     &[]entity.LineItem{{Description: " coffee ", TotalPrice: &total}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.Vendor).To(Equal("Corner Cafe"))
			Expect(got.TotalAmount.StringFixed(2)).To(Equal("20.00"))
			Expect(*got.Currency).To(Equal("EUR"))
			Expect(*got.PaymentMethod).To(Equal("visa debit"))
			Expect(got.LineItems).To(HaveLen(1))
			Expect(got.LineItems[0].Description).To(Equal("coffee"))
			Expect(got.Status).To(Equal(constants.StatusDone))
		})

		It("rejects values the normalizer cannot resolve", func() {
			rec := seed(repo, "owner-1", on(2))
			_, err := svc.EditReceipt(ctx, rec.ID, entity.ReceiptEdit{Currency: ptr("dollars-ish")})
			Expect(errors.Is(err, common.ErrValidation)).To(BeTrue())
		})

		It("rejects edits while processing", func() {
			rec := seed(repo, "owner-1", nil)
			_, err := repo.BeginAttempt(ctx, rec.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.EditReceipt(ctx, rec.ID, entity.ReceiptEdit{Vendor: ptr("x")})
			Expect(errors.Is(err, common.ErrInvalidState)).To(BeTrue())
		})
	})

	Describe("CountByStatus", func() {
		It("counts the owner's receipts per status", func() {
			seed(repo, "owner-1", nil)
			seed(repo, "owner-1", on(1))
			seed(repo, "owner-1", on(2))
			seed(repo, "owner-2", nil)

			counts, err := svc.CountByStatus(ctx, " owner-1 ")
			Expect(err).NotTo(HaveOccurred())
			Expect(counts[constants.StatusPending]).To(Equal(1))
			Expect(counts[constants.StatusDone]).To(Equal(2))
			Expect(counts).To(HaveKeyWithValue(constants.StatusError, 0))

			all, err := svc.CountByStatus(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(all[constants.StatusPending]).To(Equal(2))
		})
	})

	It("logs through the logger carried by the context", func() {
		var buf bytes.Buffer
		reqLog := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).With("request_id", "req-42")
		seed(repo, "owner-1", nil)

		_, err := svc.ListReceipts(common.WithLogger(ctx, reqLog), ListReceiptsRequest{OwnerID: "owner-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring("receipts.list.ok"))
		Expect(buf.String()).To(ContainSubstring("request_id=req-42"))
	})
})
