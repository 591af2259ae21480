package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
)

var _ = Describe("Client", func() {
	var (
		status  int
		reply   string
		payload map[string]any
		auth    string
		client  *Client
	)

	BeforeEach(func() {
		status = http.StatusOK
		reply = `{"model":"gpt-4o-mini","choices":[{"message":{"content":" {\"vendor\":\"Shop\"} "},"finish_reason":"stop"}]}`
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
			auth = r.Header.Get("Authorization")
			Expect(json.NewDecoder(r.Body).Decode(&payload)).To(Succeed())
			w.WriteHeader(status)
			_, _ = w.Write([]byte(reply))
		}))
		DeferCleanup(srv.Close)
		client = NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-4o-mini"}, nil)
	})

	req := llm.Request{System: "sys", User: "user", Image: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"}

	It("sends a JSON-mode chat completion with the image attached", func() {
		text, err := client.Generate(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal(`{"vendor":"Shop"}`))
		Expect(auth).To(Equal("Bearer sk-test"))
		Expect(payload).To(HaveKeyWithValue("model", "gpt-4o-mini"))
		Expect(payload["response_format"]).To(Equal(map[string]any{"type": "json_object"}))

		msgs := payload["messages"].([]any)
		Expect(msgs).To(HaveLen(2))
		user := msgs[1].(map[string]any)["content"].([]any)
		Expect(user).To(HaveLen(2))
		img := user[1].(map[string]any)["image_url"].(map[string]any)
		Expect(strings.HasPrefix(img["url"].(string), "data:image/png;base64,")).To(BeTrue())
	})

	It("marks rate limits and server errors transient", func() {
		for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
			status = code
			reply = `{"error":{"message":"slow down"}}`
			_, err := client.Generate(context.Background(), req)
			Expect(common.IsTransient(err)).To(BeTrue(), "status %d", code)
		}
	})

	It("leaves client errors permanent", func() {
		status = http.StatusUnauthorized
		reply = `{"error":{"message":"bad key"}}`
		_, err := client.Generate(context.Background(), req)
		Expect(err).To(HaveOccurred())
		Expect(common.IsTransient(err)).To(BeFalse())
		var serr *llm.StatusError
		Expect(err).To(BeAssignableToTypeOf(serr))
	})

	It("treats an empty answer as transient", func() {
		reply = `{"choices":[]}`
		_, err := client.Generate(context.Background(), req)
		Expect(common.IsTransient(err)).To(BeTrue())
	})
})
