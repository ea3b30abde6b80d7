package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

func init() {
	// Servers still send non-UTF-8 headers and bodies
	imap.CharsetReader = charset.Reader
}

// Typed connect errors. Both are fatal to the originating call: the caller
// decides whether to retry registration, the reconnect loop never does.
var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrUnreachable  = errors.New("server unreachable")
	ErrNotConnected = errors.New("not connected")
)

// RawMessage is one fetched message before normalization
type RawMessage struct {
	UID      uint32
	Flags    []string
	Envelope *imap.Envelope
	Body     []byte
}

// Mailbox is the session surface the sync controller drives. *Client is the
// IMAP implementation; tests substitute a fake.
type Mailbox interface {
	SelectInbox(ctx context.Context) error
	SearchSince(ctx context.Context, since time.Time) ([]uint32, error)
	SearchAll(ctx context.Context) ([]uint32, error)
	SearchUnseen(ctx context.Context) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	SupportsIdle() bool
	// Wait blocks until the server signals new mail, the context is
	// cancelled, or the session fails.
	Wait(ctx context.Context) error
}

// Client owns one IMAP session for one account
type Client struct {
	account     *models.Account
	idleTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	cl        *client.Client
	connected bool
}

// NewClient creates a new IMAP client for one account (does not connect)
func NewClient(account *models.Account, idleTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		account:     account,
		idleTimeout: idleTimeout,
		logger:      logger.With("account", account.Label),
	}
}

// Connect opens a TLS session and authenticates. Dial failures map to
// ErrUnreachable, login failures to ErrAuthFailed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	addr := c.account.Addr()
	c.logger.Info("connecting to IMAP server", "server", addr)

	timeout := c.account.Session.DialTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName: c.account.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	authTimeout := c.account.Session.AuthTimeout
	if authTimeout == 0 {
		authTimeout = 30 * time.Second
	}
	imapClient.Timeout = authTimeout
	if err := imapClient.Login(c.account.User, c.account.Session.Password); err != nil {
		imapClient.Logout()
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	imapClient.Timeout = 0

	c.cl = imapClient
	c.connected = true
	c.logger.Info("connected to IMAP server")
	return nil
}

// SelectInbox selects INBOX writable so flags can be updated later
func (c *Client) SelectInbox(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.cl == nil {
		return ErrNotConnected
	}
	if _, err := c.cl.Select("INBOX", false); err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}
	return nil
}

// SearchSince returns UIDs of messages received on or after the given date
func (c *Client) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	return c.uidSearch(criteria)
}

// SearchAll returns every UID in the selected mailbox
func (c *Client) SearchAll(ctx context.Context) ([]uint32, error) {
	return c.uidSearch(imap.NewSearchCriteria())
}

// SearchUnseen returns UIDs of messages without the \Seen flag
func (c *Client) SearchUnseen(ctx context.Context) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return c.uidSearch(criteria)
}

func (c *Client) uidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.cl == nil {
		return nil, ErrNotConnected
	}
	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return uids, nil
}

// Fetch retrieves envelope, flags and the full RFC822 body for the given
// UIDs. The body section is fetched with PEEK so the server does not set
// \Seen as a side effect; flags are only updated after emission succeeds.
func (c *Client) Fetch(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.cl == nil {
		return nil, ErrNotConnected
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqSet, items, messages)
	}()

	var raws []RawMessage
	for msg := range messages {
		raw := RawMessage{
			UID:      msg.Uid,
			Flags:    msg.Flags,
			Envelope: msg.Envelope,
		}
		if literal := msg.GetBody(section); literal != nil {
			body, err := readLiteral(literal)
			if err != nil {
				c.logger.Warn("failed to read message body", "uid", msg.Uid, "error", err)
			} else {
				raw.Body = body
			}
		}
		raws = append(raws, raw)
	}

	if err := <-done; err != nil {
		return raws, fmt.Errorf("fetch failed: %w", err)
	}
	return raws, nil
}

// MarkSeen adds the \Seen flag to the given UIDs on the server
func (c *Client) MarkSeen(ctx context.Context, uids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.cl == nil {
		return ErrNotConnected
	}
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.cl.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark seen: %w", err)
	}
	return nil
}

// SupportsIdle reports whether the server advertises the IDLE capability
func (c *Client) SupportsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.cl == nil {
		return false
	}
	ok, err := c.cl.Support("IDLE")
	return err == nil && ok
}

// Wait issues IDLE and blocks until a mailbox update arrives. A nil return
// means new mail may be available; a non-nil return other than ctx.Err()
// means the session is gone.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	cl := c.cl
	connected := c.connected
	c.mu.Unlock()

	if !connected || cl == nil {
		return ErrNotConnected
	}

	updates := make(chan client.Update, 16)
	cl.Updates = updates
	defer func() { cl.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cl.Idle(stop, &client.IdleOptions{LogoutTimeout: c.idleTimeout})
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				close(stop)
				if err := <-done; err != nil {
					return fmt.Errorf("idle failed: %w", err)
				}
				return nil
			}
		case err := <-done:
			if err != nil {
				return fmt.Errorf("idle failed: %w", err)
			}
			return nil
		}
	}
}

// Close gracefully logs out, terminating the connection if the server does
// not answer in time.
func (c *Client) Close() {
	c.mu.Lock()
	cl := c.cl
	c.cl = nil
	c.connected = false
	c.mu.Unlock()

	if cl == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		cl.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cl.Terminate()
	}
}

// IsConnected returns whether the session is established
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func readLiteral(literal imap.Literal) ([]byte, error) {
	buf := make([]byte, 0, 8192)
	chunk := make([]byte, 4096)
	for {
		n, err := literal.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
