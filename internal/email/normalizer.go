package email

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// Normalizer converts raw fetched messages into canonical Email records
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a normalizer
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Normalize parses one raw message into an Email. The IMAP envelope supplies
// addresses, subject and date when present; the MIME structure fills in
// bodies, attachments and headers.
func (n *Normalizer) Normalize(raw RawMessage, accountLabel, folder string) (*models.Email, error) {
	if len(raw.Body) == 0 {
		return nil, fmt.Errorf("message %d has no body", raw.UID)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME structure: %w", err)
	}

	now := time.Now()
	e := &models.Email{
		ID:           uuid.NewString(),
		Subject:      env.GetHeader("Subject"),
		BodyText:     env.Text,
		BodyHTML:     env.HTML,
		AccountLabel: accountLabel,
		Folder:       folder,
		Category:     models.CategoryUncategorized,
		UID:          raw.UID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	e.MessageID = env.GetHeader("Message-Id")
	e.From = addressList(env, "From")
	e.To = addressList(env, "To")
	e.Cc = addressList(env, "Cc")
	e.Bcc = addressList(env, "Bcc")

	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		e.Date = date
	}

	// The envelope from the FETCH response wins over MIME headers when both
	// exist; servers normalize it and it survives broken header encodings.
	if raw.Envelope != nil {
		if raw.Envelope.Subject != "" {
			e.Subject = raw.Envelope.Subject
		}
		if raw.Envelope.MessageId != "" {
			e.MessageID = raw.Envelope.MessageId
		}
		if !raw.Envelope.Date.IsZero() {
			e.Date = raw.Envelope.Date
		}
		if len(raw.Envelope.From) > 0 {
			e.From = imapAddresses(raw.Envelope.From)
		}
		if len(raw.Envelope.To) > 0 {
			e.To = imapAddresses(raw.Envelope.To)
		}
		if len(raw.Envelope.Cc) > 0 {
			e.Cc = imapAddresses(raw.Envelope.Cc)
		}
		if len(raw.Envelope.Bcc) > 0 {
			e.Bcc = imapAddresses(raw.Envelope.Bcc)
		}
	}

	if e.Date.IsZero() {
		e.Date = now
	}
	if e.MessageID == "" {
		e.MessageID = synthesizeMessageID()
		n.logger.Debug("message has no Message-Id, synthesized one",
			"uid", raw.UID, "message_id", e.MessageID)
	}

	e.Flags = mapFlags(raw.Flags)
	e.Attachments = collectAttachments(env.Attachments)

	e.Headers = make(map[string]string)
	for _, key := range env.GetHeaderKeys() {
		e.Headers[key] = env.GetHeader(key)
	}

	return e, nil
}

// NormalizeBatch normalizes every message in a batch, skipping (and logging)
// the ones that fail to parse. Returns the emails plus the UIDs that parsed
// successfully; only those may be acked on the server.
func (n *Normalizer) NormalizeBatch(raws []RawMessage, accountLabel, folder string) ([]*models.Email, []uint32) {
	emails := make([]*models.Email, 0, len(raws))
	okUIDs := make([]uint32, 0, len(raws))
	for _, raw := range raws {
		e, err := n.Normalize(raw, accountLabel, folder)
		if err != nil {
			n.logger.Warn("failed to parse message, skipping",
				"uid", raw.UID, "account", accountLabel, "error", err)
			continue
		}
		emails = append(emails, e)
		okUIDs = append(okUIDs, raw.UID)
	}
	return emails, okUIDs
}

func addressList(env *enmime.Envelope, key string) []models.Address {
	parsed, err := env.AddressList(key)
	if err != nil {
		return nil
	}
	return mailAddresses(parsed)
}

func mailAddresses(addrs []*mail.Address) []models.Address {
	out := make([]models.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func imapAddresses(addrs []*imap.Address) []models.Address {
	out := make([]models.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.Address{Name: a.PersonalName, Address: a.Address()})
	}
	return out
}

// synthesizeMessageID builds a unique fallback id for messages without a
// Message-Id header. Unix nanos plus a uuid cannot collide within a run.
func synthesizeMessageID() string {
	return fmt.Sprintf("<%d.%s@sync.local>", time.Now().UnixNano(), uuid.NewString())
}

func mapFlags(flags []string) models.Flags {
	var f models.Flags
	for _, flag := range flags {
		switch flag {
		case imap.SeenFlag:
			f.Seen = true
		case imap.AnsweredFlag:
			f.Answered = true
		case imap.FlaggedFlag:
			f.Flagged = true
		case imap.DeletedFlag:
			f.Deleted = true
		case imap.DraftFlag:
			f.Draft = true
		case imap.RecentFlag:
			f.Recent = true
		}
		// unrecognized flags are ignored
	}
	return f
}

// collectAttachments keeps attachments that have both a filename and
// content; anything else is dropped from the record.
func collectAttachments(parts []*enmime.Part) []models.Attachment {
	var out []models.Attachment
	for _, part := range parts {
		if part.FileName == "" || len(part.Content) == 0 {
			continue
		}
		sum := sha256.Sum256(part.Content)
		out = append(out, models.Attachment{
			ID:          uuid.NewString(),
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        int64(len(part.Content)),
			Checksum:    hex.EncodeToString(sum[:]),
			Content:     part.Content,
		})
	}
	return out
}
