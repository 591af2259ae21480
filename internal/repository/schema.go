package repository

import (
	"context"
	"strings"

	"entgo.io/ent/dialect"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

// Table names.
const (
	TableReceipts  = "receipts"
	TableChecksums = "receipt_checksums"
	TableJobs      = "jobs"
)

// receipts columns
const (
	ColID               = "id"
	ColOwnerID          = "owner_id"
	ColStatus           = "status"
	ColAttemptCount     = "attempt_count"
	ColStorageReference = "storage_reference"
	ColChecksum         = "checksum"
	ColOriginalFilename = "original_filename"
	ColMimeType         = "mime_type"
	ColFileSize         = "file_size"
	ColVendor           = "vendor"
	ColReceiptDate      = "receipt_date"
	ColTotalAmount      = "total_amount"
	ColSubtotalAmount   = "subtotal_amount"
	ColTaxAmount        = "tax_amount"
	ColCurrency         = "currency"
	ColCategory         = "category"
	ColPaymentMethod    = "payment_method"
	ColLineItems        = "line_items"
	ColOCRText          = "ocr_text"
	ColModelVersion     = "model_version"
	ColConfidence       = "confidence"
	ColNotes            = "notes"
	ColErrorDetail      = "error_detail"
	ColLeaseToken       = "lease_token"
	ColProcessedAt      = "processed_at"
	ColCreatedAt        = "created_at"
	ColUpdatedAt        = "updated_at"
)

// receipt_checksums and jobs columns
const (
	ColReceiptID  = "receipt_id"
	ColEnqueuedAt = "enqueued_at"
	ColVisibleAt  = "visible_at"
	ColTraceID    = "trace_id"
)

var receiptColumns = []string{
	ColID, ColOwnerID, ColStatus, ColAttemptCount, ColStorageReference, ColChecksum,
	ColOriginalFilename, ColMimeType, ColFileSize,
	ColVendor, ColReceiptDate, ColTotalAmount, ColSubtotalAmount, ColTaxAmount,
	ColCurrency, ColCategory, ColPaymentMethod, ColLineItems, ColOCRText,
	ColModelVersion, ColConfidence, ColNotes, ColErrorDetail, ColLeaseToken,
	ColProcessedAt, ColCreatedAt, ColUpdatedAt,
}

type columnTypes struct {
	timestamp string
	money     string
	text      string
	bigint    string
}

func typesFor(d string) columnTypes {
	switch d {
	case dialect.Postgres:
		return columnTypes{timestamp: "TIMESTAMPTZ", money: "NUMERIC(12,2)", text: "TEXT", bigint: "BIGINT"}
	case dialect.MySQL:
		return columnTypes{timestamp: "DATETIME(6)", money: "DECIMAL(12,2)", text: "MEDIUMTEXT", bigint: "BIGINT"}
	default:
		return columnTypes{timestamp: "TIMESTAMP", money: "TEXT", text: "TEXT", bigint: "INTEGER"}
	}
}

// Statements returns the DDL for the given dialect, in execution order.
func Statements(d string) []string {
	t := typesFor(d)
	receipts := `CREATE TABLE IF NOT EXISTS receipts (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	owner_id VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	storage_reference VARCHAR(512) NOT NULL,
	checksum VARCHAR(64) NOT NULL,
	original_filename VARCHAR(512) NULL,
	mime_type VARCHAR(64) NOT NULL,
	file_size {bigint} NOT NULL,
	vendor VARCHAR(512) NULL,
	receipt_date VARCHAR(10) NULL,
	total_amount {money} NULL,
	subtotal_amount {money} NULL,
	tax_amount {money} NULL,
	currency VARCHAR(3) NULL,
	category VARCHAR(128) NULL,
	payment_method VARCHAR(64) NULL,
	line_items {text} NULL,
	ocr_text {text} NULL,
	model_version VARCHAR(128) NULL,
	confidence {text} NULL,
	notes {text} NULL,
	error_detail VARCHAR(64) NULL,
	lease_token VARCHAR(64) NULL,
	processed_at {timestamp} NULL,
	created_at {timestamp} NOT NULL,
	updated_at {timestamp} NOT NULL{receipts_idx}
)`
	checksums := `CREATE TABLE IF NOT EXISTS receipt_checksums (
	owner_id VARCHAR(64) NOT NULL,
	checksum VARCHAR(64) NOT NULL,
	receipt_id VARCHAR(64) NOT NULL,
	PRIMARY KEY (owner_id, checksum)
)`
	jobs := `CREATE TABLE IF NOT EXISTS jobs (
	receipt_id VARCHAR(64) NOT NULL PRIMARY KEY,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at {timestamp} NOT NULL,
	visible_at {bigint} NOT NULL,
	lease_token VARCHAR(64) NULL,
	trace_id VARCHAR(64) NULL{jobs_idx}
)`

	receiptsIdx, jobsIdx := "", ""
	var indexes []string
	if d == dialect.MySQL {
		receiptsIdx = ",\n\tINDEX idx_receipts_owner_status (owner_id, status),\n\tINDEX idx_receipts_status_created (status, created_at)"
		jobsIdx = ",\n\tINDEX idx_jobs_visible (visible_at)"
	} else {
		indexes = []string{
			`CREATE INDEX IF NOT EXISTS idx_receipts_owner_status ON receipts (owner_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_receipts_status_created ON receipts (status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_visible ON jobs (visible_at)`,
		}
	}
	r := strings.NewReplacer(
		"{timestamp}", t.timestamp,
		"{money}", t.money,
		"{text}", t.text,
		"{bigint}", t.bigint,
		"{receipts_idx}", receiptsIdx,
		"{jobs_idx}", jobsIdx,
	)
	stmts := []string{r.Replace(receipts), r.Replace(checksums), r.Replace(jobs)}
	return append(stmts, indexes...)
}

// Migrate creates the tables and indexes when they do not exist yet.
func Migrate(ctx context.Context, db *DB) error {
	for _, stmt := range Statements(db.Dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return common.NewDatabaseError("migrate", err)
		}
	}
	return nil
}
