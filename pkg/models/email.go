package models

import "time"

// Address represents a single mail address with an optional display name
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Flags canonical IMAP message flags
type Flags struct {
	Seen     bool `json:"seen"`
	Answered bool `json:"answered"`
	Flagged  bool `json:"flagged"`
	Deleted  bool `json:"deleted"`
	Draft    bool `json:"draft"`
	Recent   bool `json:"recent"`
}

// Attachment represents a single attachment of an email
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"` // sha256 over content bytes
	Content     []byte `json:"-"`        // not persisted
}

// Email is the canonical message record produced by the normalizer.
// MessageID is the deduplication key: the store never keeps two records
// with the same MessageID.
type Email struct {
	ID           string            `json:"id" db:"id"`
	MessageID    string            `json:"message_id" db:"message_id"`
	From         []Address         `json:"from"`
	To           []Address         `json:"to"`
	Cc           []Address         `json:"cc,omitempty"`
	Bcc          []Address         `json:"bcc,omitempty"`
	Subject      string            `json:"subject" db:"subject"`
	BodyText     string            `json:"body_text" db:"body_text"`
	BodyHTML     string            `json:"body_html,omitempty" db:"body_html"`
	Date         time.Time         `json:"date" db:"date"`
	AccountLabel string            `json:"account" db:"account"`
	Folder       string            `json:"folder" db:"folder"`
	Category     Category          `json:"category" db:"category"`
	Flags        Flags             `json:"flags"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	UID          uint32            `json:"uid" db:"uid"`
	Headers      map[string]string `json:"headers,omitempty"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Sender returns the first From address, or an empty Address
func (e *Email) Sender() Address {
	if len(e.From) == 0 {
		return Address{}
	}
	return e.From[0]
}
