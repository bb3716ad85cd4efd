// Package relay implements the mail-relay fallback transport: sending and
// receiving ledger messages over a conventional SMTP/IMAP mailbox when the
// P2P overlay and DHT both fail to reach a recipient.
package relay

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/ledgermail/ledger-node/internal/lederr"
)

const (
	fallbackSubject = "[Ledger Encrypted Fallback]"
	beginMarker     = "--- BEGIN LEDGER ENCRYPTED MESSAGE ---"
	endMarker       = "--- END LEDGER ENCRYPTED MESSAGE ---"
)

// Config describes the relay mailbox a node sends and fetches through.
type Config struct {
	SMTPHost string
	SMTPPort int
	IMAPHost string
	IMAPPort int
	Username string
	Password string
	Address  string // the node's own mailbox address, used as From
}

// Client is the minimal mail-relay transport a router needs: plain send,
// encrypted-fallback send, and fetch-new-messages.
type Client interface {
	Send(to, subject, body string) error
	SendEncryptedFallback(to, encryptedPayload string) error
	Fetch(maxCount int) ([]FetchedMessage, error)
}

// FetchedMessage is a message pulled from the relay mailbox.
type FetchedMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	Timestamp int64
	Fallback  bool // true if this carries an encrypted ledger payload
}

// client is the stdlib-backed Client implementation. No third-party
// SMTP/IMAP library appears anywhere in the retrieved example pack, so this
// is built directly on net/smtp and a narrow hand-rolled IMAP4 fetch loop.
type client struct {
	cfg Config
}

// NewClient builds a relay Client from cfg.
func NewClient(cfg Config) Client {
	return &client{cfg: cfg}
}

func (c *client) smtpAddr() string {
	return fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
}

// Send delivers a plain message via SMTP with STARTTLS.
func (c *client) Send(to, subject, body string) error {
	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)

	msg := buildMessage(c.cfg.Address, to, subject, body)

	if err := smtp.SendMail(c.smtpAddr(), auth, c.cfg.Address, []string{to}, msg); err != nil {
		return &lederr.RelayError{Detail: "sending mail", Err: err}
	}
	return nil
}

// SendEncryptedFallback sends encryptedPayload wrapped in the BEGIN/END
// marker body format, under the fixed fallback subject.
func (c *client) SendEncryptedFallback(to, encryptedPayload string) error {
	body := strings.Join([]string{
		"This message was sent by the Ledger encrypted mail client.",
		"The recipient's Ledger node was unreachable, so this encrypted fallback was sent.",
		"",
		beginMarker,
		encryptedPayload,
		endMarker,
		"",
	}, "\n")

	return c.Send(to, fallbackSubject, body)
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Fetch connects over IMAP4 with implicit TLS, selects INBOX, and fetches
// the most recent maxCount messages as plain RFC822 text.
func (c *client) Fetch(maxCount int) ([]FetchedMessage, error) {
	conn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort), &tls.Config{
		ServerName: c.cfg.IMAPHost,
	})
	if err != nil {
		return nil, &lederr.RelayError{Detail: "dialing imap", Err: err}
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	im := newImapSession(conn)
	if err := im.readGreeting(); err != nil {
		return nil, &lederr.RelayError{Detail: "imap greeting", Err: err}
	}
	if err := im.login(c.cfg.Username, c.cfg.Password); err != nil {
		return nil, &lederr.RelayError{Detail: "imap login", Err: err}
	}
	exists, err := im.selectInbox()
	if err != nil {
		return nil, &lederr.RelayError{Detail: "imap select", Err: err}
	}
	if exists == 0 {
		im.logout()
		return nil, nil
	}

	start := 1
	if maxCount > 0 && exists > maxCount {
		start = exists - maxCount + 1
	}

	raws, err := im.fetchRFC822(start, exists)
	if err != nil {
		return nil, &lederr.RelayError{Detail: "imap fetch", Err: err}
	}
	im.logout()

	out := make([]FetchedMessage, 0, len(raws))
	for _, raw := range raws {
		out = append(out, parseRawMessage(raw))
	}
	return out, nil
}

// ExtractEncryptedPayload pulls the ledger payload out of a fallback
// message's BEGIN/END marker body, or returns ("", false) if absent.
func ExtractEncryptedPayload(body string) (string, bool) {
	startIdx := strings.Index(body, beginMarker)
	if startIdx < 0 {
		return "", false
	}
	startIdx += len(beginMarker)

	endIdx := strings.Index(body, endMarker)
	if endIdx < 0 || endIdx < startIdx {
		return "", false
	}

	payload := strings.TrimSpace(body[startIdx:endIdx])
	if payload == "" {
		return "", false
	}
	return payload, true
}

// IsFallbackSubject reports whether subject marks a fallback message.
func IsFallbackSubject(subject string) bool {
	return strings.Contains(subject, fallbackSubject)
}
