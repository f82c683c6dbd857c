package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/model"
)

// OutgoingAttachment is one attachment on a message being composed.
type OutgoingAttachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// OutgoingMessage is a message to compose and submit.
type OutgoingMessage struct {
	From        model.Address
	To          []model.Address
	Cc          []model.Address
	Bcc         []model.Address
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []OutgoingAttachment
}

// Sender submits composed messages over SMTP and files a copy into the
// Sent folder.
type Sender struct {
	proxy *Proxy
	log   *logrus.Logger
}

func NewSender(proxy *Proxy, log *logrus.Logger) *Sender {
	return &Sender{proxy: proxy, log: log}
}

// Send composes msg, submits it via the account's SMTP server, then
// saves a copy to the Sent folder. The sent copy is best effort: a
// failure there is logged but does not fail a delivered submission.
func (s *Sender) Send(ctx context.Context, acct Account, msg *OutgoingMessage) (string, error) {
	if msg.From.Address == "" {
		msg.From = model.Address{Name: acct.Username, Address: acct.Username}
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		return "", fmt.Errorf("message has no recipients")
	}

	raw, messageID, err := composeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("composing message: %w", err)
	}

	if err := s.submit(ctx, acct, msg, raw); err != nil {
		return "", err
	}

	if err := s.proxy.AppendToRole(ctx, acct, model.RoleSent, raw, []imap.Flag{imap.FlagSeen}); err != nil {
		s.log.WithError(err).WithField("user", acct.Username).Warn("failed to save sent copy")
	}

	return messageID, nil
}

// SaveDraft composes msg and appends it to the Drafts folder without
// submitting it.
func (s *Sender) SaveDraft(ctx context.Context, acct Account, msg *OutgoingMessage) (string, error) {
	if msg.From.Address == "" {
		msg.From = model.Address{Name: acct.Username, Address: acct.Username}
	}
	raw, messageID, err := composeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("composing draft: %w", err)
	}
	if err := s.proxy.AppendToRole(ctx, acct, model.RoleDrafts, raw, []imap.Flag{imap.FlagSeen, imap.FlagDraft}); err != nil {
		return "", err
	}
	return messageID, nil
}

// submit delivers the raw message over one transient SMTP connection.
func (s *Sender) submit(ctx context.Context, acct Account, msg *OutgoingMessage, raw []byte) error {
	addr := net.JoinHostPort(acct.Settings.SMTPHost, strconv.Itoa(acct.Settings.SMTPPort))
	tlsConfig := &tls.Config{ServerName: acct.Settings.SMTPHost}

	var client *smtp.Client
	var err error
	switch acct.Settings.SMTPSecurity {
	case model.SecuritySSL:
		client, err = smtp.DialTLS(addr, tlsConfig)
	case model.SecurityStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}
	defer client.Close()

	if err := client.Auth(sasl.NewPlainClient("", acct.Username, acct.Password)); err != nil {
		return &AuthError{Server: addr, Message: err.Error()}
	}

	recipients := recipientAddresses(msg)
	if err := client.SendMail(msg.From.Address, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("submitting message via %s: %w", addr, err)
	}

	if err := client.Quit(); err != nil {
		s.log.WithError(err).Debug("smtp quit failed after submission")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func recipientAddresses(msg *OutgoingMessage) []string {
	var out []string
	for _, group := range [][]model.Address{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range group {
			out = append(out, a.Address)
		}
	}
	return out
}

// composeMessage renders an OutgoingMessage to RFC 5322 bytes and
// returns the generated Message-ID.
func composeMessage(msg *OutgoingMessage) ([]byte, string, error) {
	var buf bytes.Buffer

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), domainOf(msg.From.Address))

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.SetAddressList("From", toMailAddresses([]model.Address{msg.From}))
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeBodies(mw, msg); err != nil {
		return nil, "", err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writeBodies(mw *gomail.Writer, msg *OutgoingMessage) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating inline writer: %w", err)
	}

	var th gomail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tp, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	if _, err := tp.Write([]byte(msg.TextBody)); err != nil {
		return fmt.Errorf("writing text body: %w", err)
	}
	if err := tp.Close(); err != nil {
		return err
	}

	if msg.HTMLBody != "" {
		var hh gomail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		hp, err := iw.CreatePart(hh)
		if err != nil {
			return fmt.Errorf("creating html part: %w", err)
		}
		if _, err := hp.Write([]byte(msg.HTMLBody)); err != nil {
			return fmt.Errorf("writing html body: %w", err)
		}
		if err := hp.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}

func writeAttachment(mw *gomail.Writer, att OutgoingAttachment) error {
	var ah gomail.AttachmentHeader
	ah.SetFilename(att.Filename)
	if att.MIMEType != "" {
		ah.SetContentType(att.MIMEType, nil)
	}
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", att.Filename, err)
	}
	if _, err := aw.Write(att.Content); err != nil {
		return fmt.Errorf("writing attachment %s: %w", att.Filename, err)
	}
	return aw.Close()
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return "localhost"
}

func toMailAddresses(addrs []model.Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
