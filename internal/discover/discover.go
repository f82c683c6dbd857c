// Package discover resolves IMAP/SMTP server settings for an email
// address by probing the standard autoconfiguration endpoints:
// Thunderbird-style autoconfig XML over GET, then Microsoft-style
// autodiscover XML over POST, then a conventional mail.<domain> guess.
package discover

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/model"
)

// Source identifies which strategy produced a discovery result.
const (
	SourceAutoconfig   = "autoconfig"
	SourceAutodiscover = "autodiscover"
	SourceFallback     = "fallback"
)

// HostConfig is one discovered endpoint.
type HostConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	STARTTLS bool   `json:"starttls"`
}

// SecurityMode maps the discovered socket type onto the transport
// security used when connecting.
func (h HostConfig) SecurityMode() model.SecurityMode {
	switch {
	case h.Secure:
		return model.SecuritySSL
	case h.STARTTLS:
		return model.SecurityStartTLS
	default:
		return model.SecurityNone
	}
}

// Config is a discovered IMAP+SMTP pair.
type Config struct {
	IMAP HostConfig `json:"imap"`
	SMTP HostConfig `json:"smtp"`
}

// Result is the outcome of a discovery run. Found is false when only
// the conventional fallback guess is available.
type Result struct {
	Found  bool   `json:"found"`
	Source string `json:"source"`
	Config Config `json:"config"`
}

// Settings converts the result into connection settings.
func (r *Result) Settings() model.ServerSettings {
	return model.ServerSettings{
		IMAPHost:     r.Config.IMAP.Host,
		IMAPPort:     r.Config.IMAP.Port,
		IMAPSecurity: r.Config.IMAP.SecurityMode(),
		SMTPHost:     r.Config.SMTP.Host,
		SMTPPort:     r.Config.SMTP.Port,
		SMTPSecurity: r.Config.SMTP.SecurityMode(),
	}
}

// Discoverer probes autoconfiguration endpoints with a per-candidate
// timeout. Every candidate failure simply advances to the next; no
// attempt is retried.
type Discoverer struct {
	client  *http.Client
	timeout time.Duration
	log     *logrus.Logger

	// Candidate URL builders, overridable in tests.
	autoconfigURLs   func(domain, email string) []string
	autodiscoverURLs func(domain string) []string
}

// New constructs a Discoverer with the given per-candidate timeout.
func New(timeout time.Duration, log *logrus.Logger) *Discoverer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discoverer{
		client:           &http.Client{},
		timeout:          timeout,
		log:              log,
		autoconfigURLs:   defaultAutoconfigURLs,
		autodiscoverURLs: defaultAutodiscoverURLs,
	}
}

// The candidate hosts match what Thunderbird requests:
// autoconfig.<domain>, autodiscover.<domain>, and the well-known path
// on the bare domain for autoconfig; autodiscover.<domain> and the bare
// domain for autodiscover.
func defaultAutoconfigURLs(domain, email string) []string {
	q := url.QueryEscape(email)
	return []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml?emailaddress=%s", domain, q),
		fmt.Sprintf("https://autodiscover.%s/mail/config-v1.1.xml?emailaddress=%s", domain, q),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml?emailaddress=%s", domain, q),
	}
}

func defaultAutodiscoverURLs(domain string) []string {
	return []string{
		fmt.Sprintf("https://autodiscover.%s/autodiscover/autodiscover.xml", domain),
		fmt.Sprintf("https://%s/autodiscover/autodiscover.xml", domain),
	}
}

// Discover resolves mail server settings for an email address.
// It never returns an error for unreachable endpoints; exhausting all
// candidates yields the fallback guess with Found=false.
func (d *Discoverer) Discover(ctx context.Context, email string) (*Result, error) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return nil, fmt.Errorf("invalid email address %q", email)
	}
	domain = strings.ToLower(domain)

	for _, u := range d.autoconfigURLs(domain, email) {
		cfg, err := d.tryAutoconfig(ctx, u)
		if err != nil {
			d.log.WithError(err).WithField("url", u).Debug("autoconfig candidate failed")
			continue
		}
		return &Result{Found: true, Source: SourceAutoconfig, Config: *cfg}, nil
	}

	for _, u := range d.autodiscoverURLs(domain) {
		cfg, err := d.tryAutodiscover(ctx, u, email, domain)
		if err != nil {
			d.log.WithError(err).WithField("url", u).Debug("autodiscover candidate failed")
			continue
		}
		return &Result{Found: true, Source: SourceAutodiscover, Config: *cfg}, nil
	}

	return &Result{
		Found:  false,
		Source: SourceFallback,
		Config: fallbackConfig(domain),
	}, nil
}

// DiscoverSettings implements the auth.Discoverer contract.
func (d *Discoverer) DiscoverSettings(ctx context.Context, email string) (model.ServerSettings, error) {
	res, err := d.Discover(ctx, email)
	if err != nil {
		return model.ServerSettings{}, err
	}
	return res.Settings(), nil
}

// fallbackConfig is the conventional guess: mail.<domain> on the
// implicit-TLS ports for both protocols.
func fallbackConfig(domain string) Config {
	host := "mail." + domain
	return Config{
		IMAP: HostConfig{Host: host, Port: 993, Secure: true},
		SMTP: HostConfig{Host: host, Port: 465, Secure: true},
	}
}

func (d *Discoverer) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return d.do(req)
}

func (d *Discoverer) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	return d.do(req)
}

func (d *Discoverer) do(req *http.Request) ([]byte, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// Config documents are tiny; cap the read.
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// tryAutoconfig fetches and parses one Thunderbird autoconfig document.
// It succeeds only when the document exposes both an IMAP and an SMTP
// hostname.
func (d *Discoverer) tryAutoconfig(ctx context.Context, url string) (*Config, error) {
	body, err := d.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var doc clientConfig
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing autoconfig document: %w", err)
	}

	var cfg Config
	var haveIMAP, haveSMTP bool

	for _, srv := range doc.EmailProvider.IncomingServers {
		if strings.EqualFold(srv.Type, "imap") && srv.Hostname != "" {
			cfg.IMAP = hostFromSocketType(srv.Hostname, srv.Port, srv.SocketType)
			haveIMAP = true
			break
		}
	}
	for _, srv := range doc.EmailProvider.OutgoingServers {
		if strings.EqualFold(srv.Type, "smtp") && srv.Hostname != "" {
			cfg.SMTP = hostFromSocketType(srv.Hostname, srv.Port, srv.SocketType)
			haveSMTP = true
			break
		}
	}

	if !haveIMAP || !haveSMTP {
		return nil, fmt.Errorf("autoconfig document missing imap or smtp server")
	}
	return &cfg, nil
}

// tryAutodiscover performs one Microsoft autodiscover POST exchange.
// At least one of IMAP or SMTP must resolve; the missing one is filled
// with the conventional guess.
func (d *Discoverer) tryAutodiscover(ctx context.Context, url, email, domain string) (*Config, error) {
	reqDoc := autodiscoverRequest{}
	reqDoc.Request.EmailAddress = email
	reqDoc.Request.AcceptableResponseSchema = autodiscoverResponseSchema

	body, err := xml.Marshal(reqDoc)
	if err != nil {
		return nil, fmt.Errorf("building autodiscover request: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	respBody, err := d.post(ctx, url, body)
	if err != nil {
		return nil, err
	}

	var doc autodiscoverResponse
	if err := xml.Unmarshal(respBody, &doc); err != nil {
		return nil, fmt.Errorf("parsing autodiscover response: %w", err)
	}

	fallback := fallbackConfig(domain)
	cfg := Config{}
	var haveIMAP, haveSMTP bool

	for _, proto := range doc.Response.Account.Protocol {
		switch strings.ToUpper(proto.Type) {
		case "IMAP":
			if proto.Server != "" && !haveIMAP {
				cfg.IMAP = hostFromAutodiscover(proto)
				haveIMAP = true
			}
		case "SMTP":
			if proto.Server != "" && !haveSMTP {
				cfg.SMTP = hostFromAutodiscover(proto)
				haveSMTP = true
			}
		}
	}

	if !haveIMAP && !haveSMTP {
		return nil, fmt.Errorf("autodiscover response contains no usable protocol")
	}
	if !haveIMAP {
		cfg.IMAP = fallback.IMAP
	}
	if !haveSMTP {
		cfg.SMTP = fallback.SMTP
	}
	return &cfg, nil
}

// hostFromSocketType applies the autoconfig socket-type mapping:
// "SSL" means implicit TLS, "STARTTLS" means explicit upgrade, and
// anything else means no transport security. This mapping determines
// which port and handshake the session proxy uses and must be
// preserved exactly.
func hostFromSocketType(host string, port int, socketType string) HostConfig {
	h := HostConfig{Host: host, Port: port}
	switch strings.ToUpper(socketType) {
	case "SSL":
		h.Secure = true
	case "STARTTLS":
		h.STARTTLS = true
	}
	return h
}

func hostFromAutodiscover(p autodiscoverProtocol) HostConfig {
	h := HostConfig{Host: p.Server, Port: p.Port}
	switch {
	case strings.EqualFold(p.Encryption, "STARTTLS"):
		h.STARTTLS = true
	case strings.EqualFold(p.SSL, "on") || strings.EqualFold(p.Encryption, "TLS") || strings.EqualFold(p.Encryption, "SSL"):
		h.Secure = true
	}
	return h
}
