package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

var _ = Describe("Processor", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(defaultConfig())
	})

	expectEvent := func(id uuid.UUID, status constants.ReceiptStatus) entity.StatusEvent {
		var ev entity.StatusEvent
		Expect(h.events.Events()).To(Receive(&ev))
		Expect(ev.ReceiptID).To(Equal(id))
		Expect(ev.Status).To(Equal(status))
		return ev
	}

	It("completes a receipt even when OCR times out", func() {
		h.ocr.delay = 500 * time.Millisecond
		rec := h.upload("owner-1")

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusDone))
		Expect(got.AttemptCount).To(Equal(1))
		Expect(*got.Vendor).To(Equal("Corner Cafe"))
		Expect(got.TotalAmount.StringFixed(2)).To(Equal("12.50"))
		Expect(got.Date.String()).To(Equal("2024-03-01"))
		Expect(got.LineItems).To(HaveLen(2))
		Expect(got.OCRText).To(BeNil())
		Expect(*got.Notes).To(ContainSubstring("ocr text unavailable"))
		Expect(*got.ModelVersion).To(Equal("fake/fake-1"))
		Expect(got.LeaseToken).To(BeNil())
		for _, v := range got.Confidence {
			Expect(v).To(BeNumerically(">=", 0))
			Expect(v).To(BeNumerically("<=", 1))
		}

		expectEvent(rec.ID, constants.StatusDone)
		Expect(h.depth()).To(BeZero())
	})

	It("keeps OCR text and its confidence when OCR succeeds", func() {
		rec := h.upload("owner-1")
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusDone))
		Expect(*got.OCRText).To(ContainSubstring("CORNER CAFE"))
		Expect(got.Confidence).To(HaveKey("ocr_text"))
		Expect(got.Confidence["vendor"]).To(BeNumerically("~", 0.95, 0.001))
	})

	It("fails after malformed output twice and recovers on reprocess", func() {
		h.provider.set("this is not json")
		rec := h.upload("owner-2")

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusError))
		Expect(*got.ErrorDetail).To(Equal(constants.ErrorDetailExtractionFailed))
		Expect(h.provider.count()).To(Equal(2))
		ev := expectEvent(rec.ID, constants.StatusError)
		Expect(ev.ErrorDetail).To(Equal(constants.ErrorDetailExtractionFailed))
		Expect(h.depth()).To(BeZero())

		reset, err := h.receipts.MarkForReprocess(ctx, rec.ID, uuid.New())
		Expect(err).NotTo(HaveOccurred())
		Expect(reset.Status).To(Equal(constants.StatusProcessing))
		Expect(reset.AttemptCount).To(BeZero())
		Expect(reset.ErrorDetail).To(BeNil())

		h.provider.set(validAnswer)
		Expect(h.queue.Requeue(ctx, entity.Job{ReceiptID: rec.ID})).To(Succeed())
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got = h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusDone))
		Expect(got.AttemptCount).To(Equal(1))
		Expect(got.ErrorDetail).To(BeNil())
	})

	It("keeps a reprocess requested between completion and ack", func() {
		rec := h.upload("owner-2b")
		reprocessed := false
		h.events.onPublish = func(ev entity.StatusEvent) {
			if reprocessed || ev.Status != constants.StatusDone {
				return
			}
			reprocessed = true
			_, err := h.receipts.MarkForReprocess(ctx, ev.ReceiptID, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			Expect(h.queue.Requeue(ctx, entity.Job{ReceiptID: ev.ReceiptID})).To(Succeed())
		}

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())
		Expect(reprocessed).To(BeTrue())
		Expect(h.depth()).To(Equal(1))
		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusProcessing))
		Expect(got.AttemptCount).To(BeZero())

		lease := h.next()
		Expect(lease.AttemptCount).To(Equal(1))
		Expect(h.proc.Handle(ctx, lease)).To(Succeed())
		got = h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusDone))
		Expect(got.AttemptCount).To(Equal(1))
		Expect(h.depth()).To(BeZero())
	})

	It("records validation failures with their reasons", func() {
		h.provider.set(`{"vendor": "Corner Cafe", "total_amount": "5.00", "date": "31st of Smarch"}`)
		rec := h.upload("owner-3")

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusError))
		Expect(*got.ErrorDetail).To(Equal(constants.ErrorDetailValidationFailed))
		Expect(*got.Notes).To(ContainSubstring("Smarch"))
	})

	It("fails with content_missing when the stored bytes are gone", func() {
		rec := h.upload("owner-4")
		Expect(h.store.Delete(ctx, rec.StorageReference)).To(Succeed())

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusError))
		Expect(*got.ErrorDetail).To(Equal(constants.ErrorDetailContentMissing))
		Expect(h.provider.count()).To(BeZero())
	})

	It("retries transient failures and then succeeds", func() {
		h.store.failures.Store(1)
		rec := h.upload("owner-5")

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())
		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusProcessing))
		Expect(got.AttemptCount).To(Equal(1))
		Expect(h.events.Events()).NotTo(Receive())
		Expect(h.depth()).To(Equal(1))

		lease := h.next()
		Expect(lease.AttemptCount).To(Equal(2))
		Expect(h.proc.Handle(ctx, lease)).To(Succeed())

		got = h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusDone))
		Expect(got.AttemptCount).To(Equal(2))
	})

	It("turns exhausted retries into attempts_exhausted", func() {
		h = newHarness(Config{MaxAttempts: 2, RetryBase: time.Millisecond, RetryMax: time.Millisecond})
		h.store.failures.Store(100)
		rec := h.upload("owner-6")

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())
		Expect(h.get(rec.ID).Status).To(Equal(constants.StatusProcessing))
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusError))
		Expect(*got.ErrorDetail).To(Equal(constants.ErrorDetailAttemptsExhausted))
		Expect(got.AttemptCount).To(Equal(2))
		Expect(h.depth()).To(BeZero())
		expectEvent(rec.ID, constants.StatusError)
	})

	It("discards the result of a worker that lost its lease", func() {
		rec := h.upload("owner-7")
		h.provider.onCall = func() {
			_, err := h.receipts.BeginAttempt(ctx, rec.ID, uuid.New())
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		got := h.get(rec.ID)
		Expect(got.Status).To(Equal(constants.StatusProcessing))
		Expect(got.Vendor).To(BeNil())
		Expect(h.events.Events()).NotTo(Receive())
		Expect(h.depth()).To(Equal(1))
	})

	It("acks jobs for receipts that are already terminal", func() {
		rec := h.upload("owner-8")
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())
		expectEvent(rec.ID, constants.StatusDone)
		calls := h.provider.count()

		_, err := h.queue.Enqueue(ctx, entity.Job{ReceiptID: rec.ID})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())

		Expect(h.get(rec.ID).Status).To(Equal(constants.StatusDone))
		Expect(h.provider.count()).To(Equal(calls))
		Expect(h.depth()).To(BeZero())
	})

	It("acks jobs whose receipt was deleted", func() {
		_, err := h.queue.Enqueue(ctx, entity.Job{ReceiptID: uuid.New()})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.proc.Handle(ctx, h.next())).To(Succeed())
		Expect(h.depth()).To(BeZero())
	})
})

var _ = Describe("Pool", func() {
	It("drains the queue with several workers and shuts down", func() {
		h := newHarness(defaultConfig())
		ids := make([]uuid.UUID, 4)
		for i := range ids {
			ids[i] = h.upload("owner-pool").ID
		}

		pool := NewPool(h.proc, h.queue, nil, WithWorkers(2), WithProcessTimeout(10*time.Second))
		pool.Start(context.Background())

		for _, id := range ids {
			Eventually(func() constants.ReceiptStatus {
				return h.get(id).Status
			}, 10*time.Second, 20*time.Millisecond).Should(Equal(constants.StatusDone))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		Expect(ctx.Err()).To(BeNil())
		Expect(h.depth()).To(BeZero())
	})
})
