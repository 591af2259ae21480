package entity

// ReceiptFile describes uploaded content before it is registered.
type ReceiptFile struct {
	OwnerID    string `validate:"required,max=64"`
	Filename   string `validate:"max=512"`
	MimeType   string `validate:"required"`
	Size       int64  `validate:"gt=0"`
	Checksum   string
	StorageKey string
}
