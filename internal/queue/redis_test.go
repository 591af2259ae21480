package queue

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

func newTestRedisQueue(visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	mr := miniredis.RunT(GinkgoT())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	DeferCleanup(rdb.Close)
	q := NewRedisQueueWithClient(rdb, "test", Options{
		Visibility:   visibility,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	return q, mr
}

var _ = Describe("RedisQueue", func() {
	queueBehaviors(func() Queue {
		q, _ := newTestRedisQueue(time.Minute)
		return q
	})

	It("redelivers a job whose lease ran out", func() {
		ctx := context.Background()
		q, _ := newTestRedisQueue(30 * time.Millisecond)
		id := uuid.New()
		_, err := q.Enqueue(ctx, entity.Job{ReceiptID: id})
		Expect(err).NotTo(HaveOccurred())

		first, err := q.Dequeue(ctx)
		Expect(err).NotTo(HaveOccurred())
		second, err := q.Dequeue(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ReceiptID).To(Equal(id))
		Expect(second.AttemptCount).To(Equal(2))
		Expect(q.Extend(ctx, first)).NotTo(Succeed())
		Expect(q.Ack(ctx, second)).To(Succeed())
	})

	It("drops index entries whose job state is gone", func() {
		ctx := context.Background()
		q, mr := newTestRedisQueue(time.Minute)
		id := uuid.New()
		_, err := q.Enqueue(ctx, entity.Job{ReceiptID: id})
		Expect(err).NotTo(HaveOccurred())
		mr.Del(q.jobKey(id.String()))

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		lease, err := q.Dequeue(cctx)
		Expect(lease).To(BeNil())
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(q.Depth(ctx)).To(Equal(0))
	})

	It("leaves a borrowed client open on close", func() {
		ctx := context.Background()
		q, _ := newTestRedisQueue(time.Minute)
		Expect(q.Close()).To(Succeed())
		_, err := q.Depth(ctx)
		Expect(err).NotTo(HaveOccurred())
	})
})
