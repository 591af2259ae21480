package export

import (
	"bytes"
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("ExportReceiptsXLSX", func() {
	var (
		ctx  context.Context
		repo repository.ReceiptRepository
		svc  *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		db, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: filepath.Join(GinkgoT().TempDir(), "export.db")}, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { repository.Close(db, nil) })
		Expect(repository.Migrate(ctx, db)).To(Succeed())
		repo = repository.NewReceiptRepository(db, nil)
		svc = NewService(repo, nil)
		svc.now = func() time.Time { return time.Date(2024, time.June, 30, 12, 0, 0, 0, time.UTC) }
	})

	done := func(owner, vendor string, day int, total string, items ...entity.LineItem) *entity.Receipt {
		sum := uuid.NewString()
		rec, _, err := repo.Register(ctx, entity.ReceiptFile{
			OwnerID: owner, Filename: vendor + ".png", MimeType: constants.MIMEPNG,
			Size: 1, Checksum: sum, StorageKey: sum,
		})
		Expect(err).NotTo(HaveOccurred())
		token := uuid.New()
		_, err = repo.BeginAttempt(ctx, rec.ID, token)
		Expect(err).NotTo(HaveOccurred())
		t := decimal.RequireFromString(total)
		Expect(repo.Complete(ctx, rec.ID, token, entity.Extraction{
			Vendor:      ptr(vendor),
			Date:        ptr(entity.NewDate(2024, time.June, day)),
			TotalAmount: &t,
			Currency:    ptr("USD"),
			Category:    ptr("Meals"),
			LineItems:   items,
		})).To(Succeed())
		return rec
	}

	open := func(data []byte) *excelize.File {
		f, err := excelize.OpenReader(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(f.Close)
		return f
	}

	It("writes one row per receipt and one per line item", func() {
		price := decimal.RequireFromString("4.50")
		rec := done("owner-1", "Cafe", 3, "4.50", entity.LineItem{Description: "bagel", TotalPrice: &price})
		done("owner-1", "Books", 10, "20.00")
		done("owner-2", "Elsewhere", 10, "1.00")

		data, n, err := svc.ExportReceiptsXLSX(ctx, Request{OwnerID: "owner-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		f := open(data)
		rows, err := f.GetRows(SheetReceipts)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0]).To(Equal(receiptHeaders))

		vendors := []string{rows[1][1], rows[2][1]}
		Expect(vendors).To(ConsistOf("Cafe", "Books"))

		items, err := f.GetRows(SheetLineItems)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(2))
		Expect(items[1][0]).To(Equal(rec.ID.String()))
		Expect(items[1][1]).To(Equal("bagel"))
		Expect(items[1][4]).To(Equal("4.5"))
	})

	It("limits rows to the date window", func() {
		done("owner-1", "Early", 1, "1.00")
		done("owner-1", "Late", 20, "2.00")

		from := entity.NewDate(2024, time.June, 15)
		data, n, err := svc.ExportReceiptsXLSX(ctx, Request{OwnerID: "owner-1", From: &from})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		rows, err := open(data).GetRows(SheetReceipts)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows[1][0]).To(Equal("2024-06-20"))
		Expect(rows[1][1]).To(Equal("Late"))
	})

	It("produces a header-only workbook when nothing matches", func() {
		data, n, err := svc.ExportReceiptsXLSX(ctx, Request{OwnerID: "nobody"})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
		rows, err := open(data).GetRows(SheetReceipts)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
	})

	It("requires an owner", func() {
		_, _, err := svc.ExportReceiptsXLSX(ctx, Request{})
		Expect(err).To(HaveOccurred())
	})
})
