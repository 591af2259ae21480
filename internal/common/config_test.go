package common_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

func validConfig() *common.Config {
	cfg := common.LoadConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "receipts.db"
	cfg.Storage.Backend = "local"
	cfg.Storage.Dir = "content"
	cfg.Queue.Backend = "sql"
	cfg.Events.Backend = "log"
	cfg.OCR.Engine = "none"
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = "k"
	return cfg
}

var _ = Describe("LoadConfig", func() {
	BeforeEach(func() {
		for _, k := range []string{"LLM_API_KEY", "LLM_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL"} {
			GinkgoT().Setenv(k, "")
		}
	})

	It("reads overrides from the environment", func() {
		GinkgoT().Setenv("DB_DRIVER", "SQLite")
		GinkgoT().Setenv("DB_URL", "file.db")
		GinkgoT().Setenv("QUEUE_MAX_DELIVERIES", "7")
		GinkgoT().Setenv("QUEUE_VISIBILITY_TIMEOUT", "90s")
		GinkgoT().Setenv("VALIDATION_RECONCILE_TOLERANCE", "0.10")
		GinkgoT().Setenv("VALIDATION_DEFAULT_CURRENCY", "eur")
		GinkgoT().Setenv("UPLOAD_ALLOWED_MIME", "image/png, application/pdf,")

		cfg := common.LoadConfig()
		Expect(cfg.Database.Driver).To(Equal("sqlite"))
		Expect(cfg.Database.DSN).To(Equal("file.db"))
		Expect(cfg.Queue.MaxDeliveries).To(Equal(7))
		Expect(cfg.Queue.VisibilityTimeout).To(Equal(90 * time.Second))
		Expect(cfg.Validation.ReconcileTolerance.String()).To(Equal("0.1"))
		Expect(cfg.Validation.DefaultCurrency).To(Equal("EUR"))
		Expect(cfg.Upload.AllowedMIME).To(Equal([]string{"image/png", "application/pdf"}))
	})

	It("keeps defaults when values do not parse", func() {
		GinkgoT().Setenv("WORKER_COUNT", "many")
		GinkgoT().Setenv("SWEEP_INTERVAL", "soon")
		cfg := common.LoadConfig()
		Expect(cfg.Worker.Count).To(Equal(4))
		Expect(cfg.Sweep.Interval).To(Equal(time.Minute))
	})

	It("picks the key and model for the gemini provider", func() {
		GinkgoT().Setenv("LLM_PROVIDER", "Gemini")
		GinkgoT().Setenv("GEMINI_API_KEY", "g-key")
		GinkgoT().Setenv("OPENAI_API_KEY", "o-key")

		cfg := common.LoadConfig()
		Expect(cfg.LLM.Provider).To(Equal("gemini"))
		Expect(cfg.LLM.APIKey).To(Equal("g-key"))
		Expect(cfg.LLM.Model).To(HavePrefix("gemini-"))
		Expect(cfg.OCR.GeminiAPIKey).To(Equal("g-key"))
	})
})

var _ = Describe("Config.Validate", func() {
	It("accepts a complete configuration", func() {
		Expect(validConfig().Validate()).To(Succeed())
	})

	DescribeTable("rejects",
		func(mutate func(*common.Config), core bool) {
			cfg := validConfig()
			mutate(cfg)
			err := cfg.Validate()
			Expect(err).To(HaveOccurred())
			Expect(common.CodeOf(err).String()).To(Equal("InvalidArgument"))
			if core {
				Expect(cfg.ValidateCore()).NotTo(Succeed())
			} else {
				Expect(cfg.ValidateCore()).To(Succeed())
			}
		},
		Entry("missing dsn", func(c *common.Config) { c.Database.DSN = "" }, true),
		Entry("unknown driver", func(c *common.Config) { c.Database.Driver = "oracle" }, true),
		Entry("gcs without bucket", func(c *common.Config) { c.Storage.Backend = "gcs"; c.Storage.GCSBucket = "" }, true),
		Entry("unknown queue", func(c *common.Config) { c.Queue.Backend = "kafka" }, true),
		Entry("zero deliveries", func(c *common.Config) { c.Queue.MaxDeliveries = 0 }, true),
		Entry("pubsub without project", func(c *common.Config) { c.Events.Backend = "pubsub"; c.Events.ProjectID = "" }, true),
		Entry("unknown ocr engine", func(c *common.Config) { c.OCR.Engine = "paper" }, false),
		Entry("gemini ocr without key", func(c *common.Config) { c.OCR.Engine = "gemini"; c.OCR.GeminiAPIKey = "" }, false),
		Entry("missing model key", func(c *common.Config) { c.LLM.APIKey = "" }, false),
		Entry("bad default currency", func(c *common.Config) { c.Validation.DefaultCurrency = "EURO" }, false),
	)

	It("checks OCR without model credentials", func() {
		cfg := validConfig()
		cfg.LLM.APIKey = ""
		Expect(cfg.ValidateOCR()).To(Succeed())
		Expect(cfg.ValidateExtraction()).NotTo(Succeed())
	})
})
