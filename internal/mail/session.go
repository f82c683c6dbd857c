// Package mail is the session proxy between the HTTP surface and the
// user's IMAP/SMTP servers. Every operation opens a fresh connection,
// resolves folder names, performs exactly one unit of work, and tears
// the connection down. No connection is reused across operations.
package mail

import (
	"context"
	"fmt"
	"strconv"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tidemail/tidemail/internal/model"
)

// Account carries everything needed to open connections on behalf of a
// user for one operation.
type Account struct {
	UserID   string
	Username string
	Password string
	Settings model.ServerSettings
}

// Dialer opens one IMAP connection, runs fn on it, and disconnects.
// The single-method contract keeps a pooled implementation
// substitutable without touching call sites.
type Dialer interface {
	WithConnection(ctx context.Context, acct Account, fn func(c *imapclient.Client) error) error
}

// TLSDialer is the default Dialer: a transient connection per call,
// secured per the account's IMAP security mode.
type TLSDialer struct {
	// Options is passed to the underlying client, e.g. for debugging.
	Options *imapclient.Options
}

// WithConnection dials, authenticates, runs fn, and logs out. Dial
// failures come back as ConnectError and rejected credentials as
// AuthError; everything else propagates wrapped.
func (d *TLSDialer) WithConnection(ctx context.Context, acct Account, fn func(c *imapclient.Client) error) error {
	addr := acct.Settings.IMAPHost + ":" + strconv.Itoa(acct.Settings.IMAPPort)

	var client *imapclient.Client
	var err error

	switch acct.Settings.IMAPSecurity {
	case model.SecuritySSL:
		client, err = imapclient.DialTLS(addr, d.Options)
	case model.SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, d.Options)
	default:
		client, err = imapclient.DialInsecure(addr, d.Options)
	}
	if err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}
	defer func() { _ = client.Logout().Wait() }()

	if err := client.Login(acct.Username, acct.Password).Wait(); err != nil {
		return &AuthError{
			Server:  addr,
			Message: fmt.Sprintf("authentication failed for %s: %v", acct.Username, err),
		}
	}

	return fn(client)
}

// Verify opens and closes a throwaway authenticated connection. This is
// the authoritative credential check at login time.
func (p *Proxy) Verify(ctx context.Context, settings model.ServerSettings, username, password string) error {
	acct := Account{Username: username, Password: password, Settings: settings}
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		if _, err := c.Select("INBOX", nil).Wait(); err != nil {
			return fmt.Errorf("selecting INBOX: %w", err)
		}
		return nil
	})
}
