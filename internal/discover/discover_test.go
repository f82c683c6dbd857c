package discover

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemail/tidemail/internal/model"
)

const exampleAutoconfig = `<?xml version="1.0"?>
<clientConfig version="1.1">
	<emailProvider id="example.com">
		<domain>example.com</domain>
		<displayName>Example Mail</displayName>
		<incomingServer type="imap">
			<hostname>imap.example.com</hostname>
			<port>993</port>
			<socketType>SSL</socketType>
			<username>%EMAILADDRESS%</username>
			<authentication>password-cleartext</authentication>
		</incomingServer>
		<outgoingServer type="smtp">
			<hostname>smtp.example.com</hostname>
			<port>587</port>
			<socketType>STARTTLS</socketType>
			<username>%EMAILADDRESS%</username>
			<authentication>password-cleartext</authentication>
		</outgoingServer>
	</emailProvider>
</clientConfig>`

func newTestDiscoverer() *Discoverer {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(time.Second, log)
}

func TestDiscoverAutoconfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user@example.com", r.URL.Query().Get("emailaddress"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, exampleAutoconfig)
	}))
	defer srv.Close()

	d := newTestDiscoverer()
	d.autoconfigURLs = func(domain, email string) []string {
		return []string{srv.URL + "/mail/config-v1.1.xml?emailaddress=" + email}
	}

	res, err := d.Discover(context.Background(), "user@example.com")
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, SourceAutoconfig, res.Source)
	assert.Equal(t, HostConfig{Host: "imap.example.com", Port: 993, Secure: true}, res.Config.IMAP)
	assert.Equal(t, HostConfig{Host: "smtp.example.com", Port: 587, STARTTLS: true}, res.Config.SMTP)

	settings := res.Settings()
	assert.Equal(t, model.SecuritySSL, settings.IMAPSecurity)
	assert.Equal(t, model.SecurityStartTLS, settings.SMTPSecurity)
}

func TestDiscoverSkipsFailedCandidates(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer bad.Close()

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>not a config</html>")
	}))
	defer malformed.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, exampleAutoconfig)
	}))
	defer good.Close()

	d := newTestDiscoverer()
	d.autoconfigURLs = func(domain, email string) []string {
		return []string{bad.URL, malformed.URL, good.URL}
	}

	res, err := d.Discover(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, SourceAutoconfig, res.Source)
}

func TestDiscoverAutoconfigRequiresBothServers(t *testing.T) {
	// A document with IMAP only must not satisfy the autoconfig stage.
	imapOnly := `<?xml version="1.0"?>
<clientConfig version="1.1">
	<emailProvider id="example.com">
		<incomingServer type="imap">
			<hostname>imap.example.com</hostname>
			<port>993</port>
			<socketType>SSL</socketType>
		</incomingServer>
	</emailProvider>
</clientConfig>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, imapOnly)
	}))
	defer srv.Close()

	d := newTestDiscoverer()
	d.autoconfigURLs = func(domain, email string) []string { return []string{srv.URL} }
	d.autodiscoverURLs = func(domain string) []string { return nil }

	res, err := d.Discover(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, SourceFallback, res.Source)
}

func TestDiscoverAutodiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var req autodiscoverRequest
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, xml.Unmarshal(body, &req))
		assert.Equal(t, "user@example.net", req.Request.EmailAddress)

		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0"?>
<Autodiscover xmlns="http://schemas.microsoft.com/exchange/autodiscover/responseschema/2006">
	<Response xmlns="http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a">
		<Account>
			<AccountType>email</AccountType>
			<Action>settings</Action>
			<Protocol>
				<Type>IMAP</Type>
				<Server>mx.example.net</Server>
				<Port>993</Port>
				<SSL>on</SSL>
				<Encryption>TLS</Encryption>
			</Protocol>
		</Account>
	</Response>
</Autodiscover>`)
	}))
	defer srv.Close()

	d := newTestDiscoverer()
	d.autoconfigURLs = func(domain, email string) []string { return nil }
	d.autodiscoverURLs = func(domain string) []string { return []string{srv.URL} }

	res, err := d.Discover(context.Background(), "user@example.net")
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, SourceAutodiscover, res.Source)
	assert.Equal(t, HostConfig{Host: "mx.example.net", Port: 993, Secure: true}, res.Config.IMAP)
	// Autodiscover only needs one protocol; SMTP falls back to the guess.
	assert.Equal(t, HostConfig{Host: "mail.example.net", Port: 465, Secure: true}, res.Config.SMTP)
}

func TestDiscoverFallback(t *testing.T) {
	d := newTestDiscoverer()
	// Point every candidate at a closed port.
	d.autoconfigURLs = func(domain, email string) []string {
		return []string{"http://127.0.0.1:1/config"}
	}
	d.autodiscoverURLs = func(domain string) []string {
		return []string{"http://127.0.0.1:1/autodiscover"}
	}

	res, err := d.Discover(context.Background(), "user@example.org")
	require.NoError(t, err)

	assert.False(t, res.Found)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, HostConfig{Host: "mail.example.org", Port: 993, Secure: true}, res.Config.IMAP)
	assert.Equal(t, HostConfig{Host: "mail.example.org", Port: 465, Secure: true}, res.Config.SMTP)
}

func TestDiscoverRejectsInvalidEmail(t *testing.T) {
	d := newTestDiscoverer()

	for _, email := range []string{"", "no-at-sign", "user@"} {
		_, err := d.Discover(context.Background(), email)
		assert.Error(t, err, "email %q", email)
	}
}
