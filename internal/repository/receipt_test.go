package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

func ptr[T any](v T) *T { return &v }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

var _ = Describe("ReceiptRepository", func() {
	var (
		ctx  context.Context
		repo ReceiptRepository
		file entity.ReceiptFile
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = NewReceiptRepository(openTestDB(), nil)
		file = entity.ReceiptFile{
			OwnerID:    "owner-1",
			Filename:   "lunch.jpg",
			MimeType:   constants.MIMEJPEG,
			Size:       1234,
			Checksum:   "abc123",
			StorageKey: "owner-1/abc123",
		}
	})

	register := func() *entity.Receipt {
		rec, created, err := repo.Register(ctx, file)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		return rec
	}

	Describe("Register", func() {
		It("stores a pending receipt with its upload metadata", func() {
			rec := register()
			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusPending))
			Expect(got.AttemptCount).To(Equal(0))
			Expect(got.Checksum).To(Equal("abc123"))
			Expect(got.OriginalFilename).To(Equal("lunch.jpg"))
			Expect(got.FileSize).To(Equal(int64(1234)))
			Expect(got.LineItems).To(BeEmpty())
			Expect(got.LeaseToken).To(BeNil())
		})

		It("returns the existing receipt for the same owner and checksum", func() {
			first := register()
			again, created, err := repo.Register(ctx, file)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(again.ID).To(Equal(first.ID))
		})

		It("keeps owners apart", func() {
			first := register()
			file.OwnerID = "owner-2"
			other, created, err := repo.Register(ctx, file)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(other.ID).NotTo(Equal(first.ID))
		})

		It("creates exactly one receipt under concurrent registration", func() {
			const n = 12
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				ids     = map[uuid.UUID]int{}
				created int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					rec, c, err := repo.Register(ctx, file)
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					defer mu.Unlock()
					ids[rec.ID]++
					if c {
						created++
					}
				}()
			}
			wg.Wait()
			Expect(ids).To(HaveLen(1))
			Expect(created).To(Equal(1))
		})
	})

	Describe("lease-guarded writes", func() {
		var (
			rec   *entity.Receipt
			token uuid.UUID
		)

		BeforeEach(func() {
			rec = register()
			token = uuid.New()
			started, err := repo.BeginAttempt(ctx, rec.ID, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(started.Status).To(Equal(constants.StatusProcessing))
			Expect(started.AttemptCount).To(Equal(1))
			Expect(*started.LeaseToken).To(Equal(token))
		})

		It("commits a result with the current token", func() {
			err := repo.Complete(ctx, rec.ID, token, entity.Extraction{
				Vendor:      ptr("Corner Cafe"),
				Date:        ptr(entity.NewDate(2024, time.March, 5)),
				TotalAmount: dec("12.50"),
				TaxAmount:   dec("1.00"),
				Currency:    ptr("USD"),
				LineItems:   []entity.LineItem{{Description: "Sandwich", TotalPrice: dec("11.50")}},
				Confidence:  map[string]float64{"vendor": 0.9},
				Notes:       []string{"line items do not reconcile"},
				OCRText:     "CORNER CAFE",
			})
			Expect(err).NotTo(HaveOccurred())

			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusDone))
			Expect(*got.Vendor).To(Equal("Corner Cafe"))
			Expect(got.Date.String()).To(Equal("2024-03-05"))
			Expect(got.TotalAmount.Equal(decimal.RequireFromString("12.5"))).To(BeTrue())
			Expect(got.LineItems).To(HaveLen(1))
			Expect(got.Confidence).To(HaveKeyWithValue("vendor", 0.9))
			Expect(*got.Notes).To(ContainSubstring("reconcile"))
			Expect(got.LeaseToken).To(BeNil())
			Expect(got.ProcessedAt).NotTo(BeNil())
		})

		It("rejects a stale token", func() {
			err := repo.Complete(ctx, rec.ID, uuid.New(), entity.Extraction{Vendor: ptr("x")})
			Expect(common.IsLeaseConflict(err)).To(BeTrue())

			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusProcessing))
		})

		It("hands the lease to a newer attempt", func() {
			newer := uuid.New()
			_, err := repo.BeginAttempt(ctx, rec.ID, newer)
			Expect(err).NotTo(HaveOccurred())
			Expect(common.IsLeaseConflict(repo.Fail(ctx, rec.ID, token, constants.ErrorDetailExtractionFailed, nil))).To(BeTrue())
			Expect(repo.Fail(ctx, rec.ID, newer, constants.ErrorDetailExtractionFailed, nil)).To(Succeed())

			got, err := repo.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(constants.StatusError))
			Expect(*got.ErrorDetail).To(Equal(constants.ErrorDetailExtractionFailed))
			Expect(got.AttemptCount).To(Equal(2))
		})

		It("refuses to begin an attempt on a terminal receipt", func() {
			Expect(repo.Fail(ctx, rec.ID, token, constants.ErrorDetailContentMissing, nil)).To(Succeed())
			_, err := repo.BeginAttempt(ctx, rec.ID, uuid.New())
			Expect(err).To(MatchError(common.ErrInvalidState))
		})

		Describe("MarkForReprocess", func() {
			It("is rejected while processing", func() {
				_, err := repo.MarkForReprocess(ctx, rec.ID, uuid.New())
				Expect(err).To(MatchError(common.ErrInvalidState))
			})

			It("resets a terminal receipt and invalidates the old token", func() {
				Expect(repo.Fail(ctx, rec.ID, token, constants.ErrorDetailExtractionFailed, []string{"bad json"})).To(Succeed())
				fresh := uuid.New()
				got, err := repo.MarkForReprocess(ctx, rec.ID, fresh)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(constants.StatusProcessing))
				Expect(got.AttemptCount).To(Equal(0))
				Expect(*got.LeaseToken).To(Equal(fresh))
				Expect(got.ErrorDetail).To(BeNil())

				Expect(common.IsLeaseConflict(repo.Complete(ctx, rec.ID, token, entity.Extraction{}))).To(BeTrue())
			})
		})
	})

	Describe("UpdateFields", func() {
		It("edits a terminal receipt", func() {
			rec := register()
			token := uuid.New()
			_, err := repo.BeginAttempt(ctx, rec.ID, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Complete(ctx, rec.ID, token, entity.Extraction{Vendor: ptr("Old")})).To(Succeed())

			got, err := repo.UpdateFields(ctx, rec.ID, entity.ReceiptEdit{Vendor: ptr("New"), TotalAmount: dec("3.10")})
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.Vendor).To(Equal("New"))
			Expect(got.TotalAmount.StringFixed(2)).To(Equal("3.10"))
			Expect(got.Status).To(Equal(constants.StatusDone))
		})

		It("is rejected while processing", func() {
			rec := register()
			_, err := repo.BeginAttempt(ctx, rec.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			_, err = repo.UpdateFields(ctx, rec.ID, entity.ReceiptEdit{Vendor: ptr("New")})
			Expect(err).To(MatchError(common.ErrInvalidState))
		})

		It("reports unknown receipts", func() {
			_, err := repo.UpdateFields(ctx, uuid.New(), entity.ReceiptEdit{Vendor: ptr("New")})
			Expect(common.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Delete", func() {
		It("removes the row and frees the checksum", func() {
			rec := register()
			deleted, err := repo.Delete(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted.StorageReference).To(Equal("owner-1/abc123"))

			_, err = repo.Get(ctx, rec.ID)
			Expect(common.IsNotFound(err)).To(BeTrue())

			again := register()
			Expect(again.ID).NotTo(Equal(rec.ID))
		})

		It("is rejected while processing", func() {
			rec := register()
			_, err := repo.BeginAttempt(ctx, rec.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			_, err = repo.Delete(ctx, rec.ID)
			Expect(err).To(MatchError(common.ErrInvalidState))
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			for i, day := range []int{1, 10, 20} {
				file.Checksum = uuid.NewString()
				rec := register()
				token := uuid.New()
				_, err := repo.BeginAttempt(ctx, rec.ID, token)
				Expect(err).NotTo(HaveOccurred())
				Expect(repo.Complete(ctx, rec.ID, token, entity.Extraction{
					Vendor: ptr("v"),
					Date:   ptr(entity.NewDate(2024, time.January, day)),
				})).To(Succeed(), "receipt %d", i)
			}
			file.Checksum = "pending-one"
			register()
		})

		It("filters by status", func() {
			recs, err := repo.List(ctx, entity.ReceiptFilter{OwnerID: "owner-1", Statuses: []constants.ReceiptStatus{constants.StatusPending}})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(1))
		})

		It("filters by date window", func() {
			from, to := entity.NewDate(2024, time.January, 5), entity.NewDate(2024, time.January, 20)
			recs, err := repo.List(ctx, entity.ReceiptFilter{OwnerID: "owner-1", From: &from, To: &to})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
		})

		It("pages", func() {
			recs, err := repo.List(ctx, entity.ReceiptFilter{OwnerID: "owner-1", Limit: 3, Offset: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(HaveLen(2))
		})

		It("scopes to the owner", func() {
			recs, err := repo.List(ctx, entity.ReceiptFilter{OwnerID: "nobody"})
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(BeEmpty())
		})

		It("counts receipts per status", func() {
			file.OwnerID, file.Checksum = "owner-2", "elsewhere"
			register()

			counts, err := repo.CountByStatus(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal(map[constants.ReceiptStatus]int{
				constants.StatusPending:    1,
				constants.StatusProcessing: 0,
				constants.StatusDone:       3,
				constants.StatusError:      0,
			}))

			all, err := repo.CountByStatus(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(all[constants.StatusPending]).To(Equal(2))

			none, err := repo.CountByStatus(ctx, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(HaveLen(4))
			Expect(none[constants.StatusDone]).To(BeZero())
		})
	})

	Describe("ListReclaimable", func() {
		It("returns old pending receipts and unclaimed reprocess requests", func() {
			pending := register()

			file.Checksum = "second"
			redo := register()
			token := uuid.New()
			_, err := repo.BeginAttempt(ctx, redo.ID, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Fail(ctx, redo.ID, token, constants.ErrorDetailExtractionFailed, nil)).To(Succeed())
			_, err = repo.MarkForReprocess(ctx, redo.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())

			file.Checksum = "third"
			busy := register()
			_, err = repo.BeginAttempt(ctx, busy.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())

			recs, err := repo.ListReclaimable(ctx, time.Now().Add(time.Second), 10)
			Expect(err).NotTo(HaveOccurred())
			var ids []uuid.UUID
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			Expect(ids).To(ConsistOf(pending.ID, redo.ID))

			recs, err = repo.ListReclaimable(ctx, time.Now().Add(-time.Hour), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(recs).To(BeEmpty())
		})
	})
})
