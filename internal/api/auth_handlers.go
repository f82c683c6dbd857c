package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidemail/tidemail/internal/auth"
	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/model"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`

	IMAPServer   string `json:"imapServer,omitempty"`
	IMAPPort     int    `json:"imapPort,omitempty"`
	IMAPSecurity string `json:"imapSecurity,omitempty"`
	SMTPServer   string `json:"smtpServer,omitempty"`
	SMTPPort     int    `json:"smtpPort,omitempty"`
	SMTPSecurity string `json:"smtpSecurity,omitempty"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	User      *model.User     `json:"user"`
	Mailboxes []model.Mailbox `json:"mailboxes"`
}

// settings builds explicit server settings from the request, or nil
// when none were supplied and discovery should run.
func (req *loginRequest) settings(defaultIMAPPort, defaultSMTPPort int) *model.ServerSettings {
	if req.IMAPServer == "" {
		return nil
	}

	s := &model.ServerSettings{
		IMAPHost:     req.IMAPServer,
		IMAPPort:     req.IMAPPort,
		IMAPSecurity: securityMode(req.IMAPSecurity),
		SMTPHost:     req.SMTPServer,
		SMTPPort:     req.SMTPPort,
		SMTPSecurity: securityMode(req.SMTPSecurity),
	}
	if s.SMTPHost == "" {
		s.SMTPHost = s.IMAPHost
	}
	if s.IMAPPort == 0 {
		s.IMAPPort = defaultIMAPPort
	}
	if s.SMTPPort == 0 {
		s.SMTPPort = defaultSMTPPort
	}
	return s
}

func securityMode(v string) model.SecurityMode {
	switch strings.ToLower(v) {
	case "starttls":
		return model.SecurityStartTLS
	case "none":
		return model.SecurityNone
	default:
		return model.SecuritySSL
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		s.writeError(w, r, validationError("a valid email address is required"))
		return
	}
	if req.Password == "" {
		s.writeError(w, r, validationError("password is required"))
		return
	}

	result, err := s.auth.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Settings: req.settings(s.opts.DefaultIMAPPort, s.opts.DefaultSMTPPort),
	}, auth.ClientMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}

	// The initial mailbox listing is a convenience for the UI; a
	// failure here must not fail a successful login.
	acct := mail.Account{
		UserID:   result.User.ID,
		Username: result.User.Email,
		Password: req.Password,
		Settings: result.User.Settings,
	}
	mailboxes, err := s.mail.ListMailboxes(r.Context(), acct)
	if err != nil {
		s.log.WithError(err).WithField("user", result.User.Email).Warn("mailbox listing after login failed")
		mailboxes = []model.Mailbox{}
	}

	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.User,
		Mailboxes: mailboxes,
	})
}

type autoconfigRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleAutoconfig(w http.ResponseWriter, r *http.Request) {
	var req autoconfigRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		s.writeError(w, r, validationError("a valid email address is required"))
		return
	}

	result, err := s.discover.Discover(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if err := s.auth.Logout(r.Context(), id.Session.ID); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":    id.User,
		"session": id.Session,
	})
}
