package common_test

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

var _ = Describe("request context", func() {
	It("round-trips the request id and owner", func() {
		ctx := common.WithOwnerID(common.WithRequestID(context.Background(), "req-1"), "owner-1")
		Expect(common.RequestIDFromContext(ctx)).To(Equal("req-1"))
		Expect(common.OwnerIDFromContext(ctx)).To(Equal("owner-1"))
		Expect(common.RequestIDFromContext(context.Background())).To(BeEmpty())
		Expect(common.OwnerIDFromContext(context.Background())).To(BeEmpty())
	})

	It("prefers the logger on the context over the fallback", func() {
		var scoped, fallback bytes.Buffer
		fb := slog.New(slog.NewTextHandler(&fallback, nil))
		ctx := common.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&scoped, nil)))

		common.LoggerFromContext(ctx, fb).Info("scoped.hit")
		common.LoggerFromContext(context.Background(), fb).Info("fallback.hit")
		Expect(scoped.String()).To(ContainSubstring("scoped.hit"))
		Expect(fallback.String()).To(ContainSubstring("fallback.hit"))
		Expect(fallback.String()).NotTo(ContainSubstring("scoped.hit"))
		Expect(common.LoggerFromContext(context.Background(), nil)).To(Equal(slog.Default()))
	})

	It("skips the deadline for non-positive timeouts", func() {
		ctx, cancel := common.WithTimeout(context.Background(), 0)
		defer cancel()
		_, ok := ctx.Deadline()
		Expect(ok).To(BeFalse())

		ctx, cancel = common.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, ok = ctx.Deadline()
		Expect(ok).To(BeTrue())
	})
})
