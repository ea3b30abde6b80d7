package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// emailRow flat row shape for the emails table
type emailRow struct {
	ID          string    `db:"id"`
	MessageID   string    `db:"message_id"`
	FromJSON    string    `db:"from_json"`
	ToJSON      string    `db:"to_json"`
	CcJSON      string    `db:"cc_json"`
	BccJSON     string    `db:"bcc_json"`
	Subject     string    `db:"subject"`
	BodyText    string    `db:"body_text"`
	BodyHTML    string    `db:"body_html"`
	Date        time.Time `db:"date"`
	Account     string    `db:"account"`
	Folder      string    `db:"folder"`
	Category    string    `db:"category"`
	FlagsJSON   string    `db:"flags_json"`
	AttachJSON  string    `db:"attachments_json"`
	UID         uint32    `db:"uid"`
	HeadersJSON string    `db:"headers_json"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func rowFromEmail(e *models.Email, now time.Time) (*emailRow, error) {
	fromJSON, err := json.Marshal(e.From)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal from addresses: %w", err)
	}
	toJSON, _ := json.Marshal(e.To)
	ccJSON, _ := json.Marshal(e.Cc)
	bccJSON, _ := json.Marshal(e.Bcc)
	flagsJSON, _ := json.Marshal(e.Flags)
	headersJSON, _ := json.Marshal(e.Headers)

	// Attachment content stays out of the database; only metadata is kept
	attachMeta := make([]models.Attachment, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		a.Content = nil
		attachMeta = append(attachMeta, a)
	}
	attachJSON, _ := json.Marshal(attachMeta)

	return &emailRow{
		ID:          e.ID,
		MessageID:   e.MessageID,
		FromJSON:    string(fromJSON),
		ToJSON:      string(toJSON),
		CcJSON:      string(ccJSON),
		BccJSON:     string(bccJSON),
		Subject:     e.Subject,
		BodyText:    e.BodyText,
		BodyHTML:    e.BodyHTML,
		Date:        e.Date,
		Account:     e.AccountLabel,
		Folder:      e.Folder,
		Category:    string(e.Category),
		FlagsJSON:   string(flagsJSON),
		AttachJSON:  string(attachJSON),
		UID:         e.UID,
		HeadersJSON: string(headersJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *emailRow) toEmail() (*models.Email, error) {
	e := &models.Email{
		ID:           r.ID,
		MessageID:    r.MessageID,
		Subject:      r.Subject,
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
		Date:         r.Date,
		AccountLabel: r.Account,
		Folder:       r.Folder,
		Category:     models.Category(r.Category),
		UID:          r.UID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.FromJSON), &e.From); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from addresses: %w", err)
	}
	_ = json.Unmarshal([]byte(r.ToJSON), &e.To)
	_ = json.Unmarshal([]byte(r.CcJSON), &e.Cc)
	_ = json.Unmarshal([]byte(r.BccJSON), &e.Bcc)
	_ = json.Unmarshal([]byte(r.FlagsJSON), &e.Flags)
	_ = json.Unmarshal([]byte(r.AttachJSON), &e.Attachments)
	_ = json.Unmarshal([]byte(r.HeadersJSON), &e.Headers)
	return e, nil
}

// InsertEmail inserts an email keyed by message_id. Returns false without an
// error when a record with the same message_id already exists.
func (db *DB) InsertEmail(ctx context.Context, e *models.Email) (bool, error) {
	row, err := rowFromEmail(e, time.Now())
	if err != nil {
		return false, err
	}

	query := `
		INSERT OR IGNORE INTO emails (id, message_id, from_json, to_json, cc_json, bcc_json, subject, body_text, body_html, date, account, folder, category, flags_json, attachments_json, uid, headers_json, created_at, updated_at)
		VALUES (:id, :message_id, :from_json, :to_json, :cc_json, :bcc_json, :subject, :body_text, :body_html, :date, :account, :folder, :category, :flags_json, :attachments_json, :uid, :headers_json, :created_at, :updated_at)
	`
	result, err := db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}

	// Zero rows affected means the insert was ignored due to a duplicate
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	e.CreatedAt = row.CreatedAt
	e.UpdatedAt = row.UpdatedAt
	return true, nil
}

// UpdateCategory updates the stored category for an email. Unknown ids are a no-op.
func (db *DB) UpdateCategory(ctx context.Context, id string, category models.Category) error {
	query := `UPDATE emails SET category = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, string(category), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}
	return nil
}

// GetEmailByID returns an email by its local id
func (db *DB) GetEmailByID(ctx context.Context, id string) (*models.Email, error) {
	var row emailRow
	query := `SELECT * FROM emails WHERE id = ?`
	err := db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return row.toEmail()
}

// GetEmailByMessageID returns an email by its dedup key
func (db *DB) GetEmailByMessageID(ctx context.Context, messageID string) (*models.Email, error) {
	var row emailRow
	query := `SELECT * FROM emails WHERE message_id = ?`
	err := db.GetContext(ctx, &row, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return row.toEmail()
}

// CountEmails returns the number of stored emails
func (db *DB) CountEmails(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}
