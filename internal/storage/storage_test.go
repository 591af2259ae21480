package storage

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

func behavesLikeContentStore(newStore func() ContentStore) {
	var (
		ctx   context.Context
		store ContentStore
		key   string
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		DeferCleanup(store.Close)
		key = Key("owner-1", "deadbeef")
	})

	It("round-trips content", func() {
		Expect(store.Put(ctx, key, []byte("receipt bytes"))).To(Succeed())
		Expect(store.Get(ctx, key)).To(Equal([]byte("receipt bytes")))
	})

	It("keeps the first write for a key", func() {
		Expect(store.Put(ctx, key, []byte("first"))).To(Succeed())
		Expect(store.Put(ctx, key, []byte("second"))).To(Succeed())
		Expect(store.Get(ctx, key)).To(Equal([]byte("first")))
	})

	It("reports missing content as not found", func() {
		_, err := store.Get(ctx, key)
		Expect(err).To(MatchError(common.ErrNotFound))
	})

	It("deletes content and tolerates missing keys", func() {
		Expect(store.Put(ctx, key, []byte("x"))).To(Succeed())
		Expect(store.Delete(ctx, key)).To(Succeed())
		Expect(store.Delete(ctx, key)).To(Succeed())
		_, err := store.Get(ctx, key)
		Expect(err).To(MatchError(common.ErrNotFound))
	})
}

var _ = Describe("LocalStorage", func() {
	behavesLikeContentStore(func() ContentStore {
		s, err := NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		return s
	})

	It("rejects keys escaping the base directory", func() {
		s, err := NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Put(context.Background(), "../outside", []byte("x"))).NotTo(Succeed())
	})
})

var _ = Describe("BoltStorage", func() {
	behavesLikeContentStore(func() ContentStore {
		s, err := NewBoltStorage(filepath.Join(GinkgoT().TempDir(), "content.db"))
		Expect(err).NotTo(HaveOccurred())
		return s
	})
})

var _ = Describe("Key", func() {
	It("escapes path separators in the owner", func() {
		Expect(Key("a/b", "sum")).To(Equal("a%2Fb/sum"))
	})
})
