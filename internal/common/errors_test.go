package common_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

type sample struct {
	Currency string `validate:"required,iso4217"`
	Owner    string `validate:"required,max=4"`
}

var _ = Describe("errors", func() {
	DescribeTable("CodeOf",
		func(err error, want codes.Code) {
			Expect(common.CodeOf(err)).To(Equal(want))
		},
		Entry("nil", nil, codes.OK),
		Entry("validation", common.NewValidationError("bad"), codes.InvalidArgument),
		Entry("not found", common.NewNotFoundError("gone"), codes.NotFound),
		Entry("invalid state", common.NewInvalidStateError("busy"), codes.FailedPrecondition),
		Entry("lease conflict", common.NewAppError(common.CodeLeaseConflict, "stale", common.ErrLeaseConflict), codes.Aborted),
		Entry("transient", common.NewTransientError("later", errors.New("503")), codes.Unavailable),
		Entry("wrapped", fmt.Errorf("outer: %w", common.NewNotFoundError("x")), codes.NotFound),
		Entry("plain", errors.New("boom"), codes.Internal),
	)

	It("keeps the cause of transient and permanent errors in the chain", func() {
		cause := errors.New("socket closed")
		t := common.NewTransientError("call", cause)
		Expect(common.IsTransient(t)).To(BeTrue())
		Expect(common.IsPermanent(t)).To(BeFalse())
		Expect(errors.Is(t, cause)).To(BeTrue())

		p := common.NewPermanentError("extraction_failed", cause)
		Expect(common.IsPermanent(p)).To(BeTrue())
		Expect(errors.Is(p, cause)).To(BeTrue())
	})

	It("reports every failing struct field at once", func() {
		err := common.ValidateStruct(sample{Currency: "XYZ", Owner: "too-long"})
		Expect(errors.Is(err, common.ErrValidation)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("ISO 4217"))
		Expect(err.Error()).To(ContainSubstring("at most 4"))

		Expect(common.ValidateStruct(sample{Currency: "JPY", Owner: "me"})).To(Succeed())
	})
})

var _ = Describe("Backoff", func() {
	DescribeTable("doubles up to the cap",
		func(attempt int, want time.Duration) {
			Expect(common.Backoff(100*time.Millisecond, time.Second, attempt)).To(Equal(want))
		},
		Entry("first", 1, 100*time.Millisecond),
		Entry("below one", 0, 100*time.Millisecond),
		Entry("third", 3, 400*time.Millisecond),
		Entry("capped", 10, time.Second),
	)

	It("returns early when the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		Expect(common.Sleep(ctx, time.Minute)).To(MatchError(context.Canceled))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})
})
