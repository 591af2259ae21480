package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
)

// Receipt represents a receipt for data transfer between layers.
type Receipt struct {
	ID               uuid.UUID               `json:"id"`
	OwnerID          string                  `json:"owner_id"`
	Status           constants.ReceiptStatus `json:"status"`
	AttemptCount     int                     `json:"attempt_count"`
	StorageReference string                  `json:"storage_reference"`
	Checksum         string                  `json:"checksum"`
	OriginalFilename string                  `json:"original_filename,omitempty"`
	MimeType         string                  `json:"mime_type"`
	FileSize         int64                   `json:"file_size"`

	Vendor         *string            `json:"vendor,omitempty"`
	Date           *Date              `json:"date,omitempty"`
	TotalAmount    *decimal.Decimal   `json:"total_amount,omitempty"`
	SubtotalAmount *decimal.Decimal   `json:"subtotal_amount,omitempty"`
	TaxAmount      *decimal.Decimal   `json:"tax_amount,omitempty"`
	Currency       *string            `json:"currency,omitempty"`
	Category       *string            `json:"category,omitempty"`
	PaymentMethod  *string            `json:"payment_method,omitempty"`
	LineItems      []LineItem         `json:"line_items"`
	OCRText        *string            `json:"ocr_text,omitempty"`
	ModelVersion   *string            `json:"model_version,omitempty"`
	Confidence     map[string]float64 `json:"confidence,omitempty"`
	Notes          *string            `json:"notes,omitempty"`
	ErrorDetail    *string            `json:"error_detail,omitempty"`

	LeaseToken  *uuid.UUID `json:"-"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LineItem is one purchased item in receipt order.
type LineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	TotalPrice  *decimal.Decimal `json:"total_price,omitempty"`
}

// Extraction is a normalized extraction result ready to be committed.
type Extraction struct {
	Vendor         *string
	Date           *Date
	TotalAmount    *decimal.Decimal
	SubtotalAmount *decimal.Decimal
	TaxAmount      *decimal.Decimal
	Currency       *string
	Category       *string
	PaymentMethod  *string
	LineItems      []LineItem
	Confidence     map[string]float64
	Notes          []string
	OCRText        string
	ModelVersion   string
}

// ReceiptEdit carries user corrections. Nil fields are left untouched.
type ReceiptEdit struct {
	Vendor         *string
	Date           *Date
	TotalAmount    *decimal.Decimal
	SubtotalAmount *decimal.Decimal
	TaxAmount      *decimal.Decimal
	Currency       *string
	Category       *string
	PaymentMethod  *string
	Notes          *string
	LineItems      *[]LineItem
}

// ReceiptFilter narrows List queries.
type ReceiptFilter struct {
	OwnerID  string
	Statuses []constants.ReceiptStatus
	From     *Date
	To       *Date
	Limit    int
	Offset   int
}

// UploadResult is what the ingestion boundary returns.
type UploadResult struct {
	ReceiptID uuid.UUID               `json:"receipt_id"`
	Status    constants.ReceiptStatus `json:"status"`
	Duplicate bool                    `json:"duplicate"`
}
