// Package api exposes the REST surface: request validation, bearer
// authentication, and the mapping of HTTP verbs onto mail operations.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/auth"
	"github.com/tidemail/tidemail/internal/discover"
	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/model"
	"github.com/tidemail/tidemail/internal/ratelimit"
)

// AuthService is the session lifecycle the HTTP layer depends on.
type AuthService interface {
	Login(ctx context.Context, req auth.LoginRequest, meta auth.ClientMeta) (*auth.LoginResult, error)
	Validate(ctx context.Context, token string) (*auth.Identity, error)
	Logout(ctx context.Context, jti string) error
}

// MailService is the set of mail operations the HTTP layer exposes.
type MailService interface {
	ListMailboxes(ctx context.Context, acct mail.Account) ([]model.Mailbox, error)
	ListMessages(ctx context.Context, acct mail.Account, folder string, limit, offset int, search string) (*mail.MessageList, error)
	GetMessage(ctx context.Context, acct mail.Account, folder string, uid uint32) (*model.EmailMessage, error)
	GetAttachment(ctx context.Context, acct mail.Account, folder string, uid uint32, filename string) ([]byte, string, error)
	GetThread(ctx context.Context, acct mail.Account, folder string, uid uint32) ([]model.EmailSummary, error)
	SetRead(ctx context.Context, acct mail.Account, folder string, uid uint32, read bool) error
	SetStarred(ctx context.Context, acct mail.Account, folder string, uid uint32, starred bool) error
	SetImportant(ctx context.Context, acct mail.Account, folder string, uid uint32, important bool) error
	AddLabel(ctx context.Context, acct mail.Account, folder string, uid uint32, label string) error
	RemoveLabel(ctx context.Context, acct mail.Account, folder string, uid uint32, label string) error
	Move(ctx context.Context, acct mail.Account, folder string, uid uint32, target string) error
	Copy(ctx context.Context, acct mail.Account, folder string, uid uint32, target string) error
	Delete(ctx context.Context, acct mail.Account, folder string, uid uint32, permanent bool) error
	Archive(ctx context.Context, acct mail.Account, folder string, uid uint32) error
	MarkSpam(ctx context.Context, acct mail.Account, folder string, uid uint32) error
	Status(ctx context.Context, acct mail.Account, folder string) (*model.Mailbox, error)
	Sync(ctx context.Context, acct mail.Account, folder string, lastUIDNext uint32) (*mail.SyncResult, error)
	CreateMailbox(ctx context.Context, acct mail.Account, name, parent string) error
	RenameMailbox(ctx context.Context, acct mail.Account, path, newName string) error
	DeleteMailbox(ctx context.Context, acct mail.Account, path string) error
}

// SendService submits composed messages and saves drafts.
type SendService interface {
	Send(ctx context.Context, acct mail.Account, msg *mail.OutgoingMessage) (string, error)
	SaveDraft(ctx context.Context, acct mail.Account, msg *mail.OutgoingMessage) (string, error)
}

// DiscoverService probes autoconfiguration endpoints.
type DiscoverService interface {
	Discover(ctx context.Context, email string) (*discover.Result, error)
}

// Options carries the server's tunables.
type Options struct {
	CORSOrigin      string
	Debug           bool
	RateLimitWindow time.Duration
	RateLimitMax    int64

	// Default ports applied when a login request names a host but no
	// port.
	DefaultIMAPPort int
	DefaultSMTPPort int
}

// Server wires the REST routes to the underlying services.
type Server struct {
	auth     AuthService
	mail     MailService
	send     SendService
	discover DiscoverService
	limiter  *ratelimit.Limiter
	log      *logrus.Logger
	opts     Options
	router   *mux.Router
}

// NewServer builds the router. All dependencies are injected; the
// server owns nothing but its rate limiter.
func NewServer(authSvc AuthService, mailSvc MailService, sendSvc SendService, discoverSvc DiscoverService, log *logrus.Logger, opts Options) *Server {
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = 15 * time.Minute
	}
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 200
	}

	s := &Server{
		auth:     authSvc,
		mail:     mailSvc,
		send:     sendSvc,
		discover: discoverSvc,
		limiter:  ratelimit.New(opts.RateLimitWindow, opts.RateLimitMax),
		log:      log,
		opts:     opts,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequest)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Unauthenticated, rate limited by client IP.
	public := api.NewRoute().Subrouter()
	public.Use(s.rateLimit)
	public.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	public.HandleFunc("/auth/autoconfig", s.handleAutoconfig).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	protected.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	protected.HandleFunc("/emails", s.handleListMessages).Methods(http.MethodGet)
	protected.HandleFunc("/emails/sync", s.handleSync).Methods(http.MethodGet)
	protected.HandleFunc("/emails/send", s.handleSend).Methods(http.MethodPost)
	protected.HandleFunc("/emails/draft", s.handleSaveDraft).Methods(http.MethodPost)

	protected.HandleFunc("/emails/batch/read", s.handleBatchRead).Methods(http.MethodPost)
	protected.HandleFunc("/emails/batch/star", s.handleBatchStar).Methods(http.MethodPost)
	protected.HandleFunc("/emails/batch/move", s.handleBatchMove).Methods(http.MethodPost)
	protected.HandleFunc("/emails/batch/delete", s.handleBatchDelete).Methods(http.MethodPost)

	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}", s.handleGetMessage).Methods(http.MethodGet)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}", s.handleDeleteMessage).Methods(http.MethodDelete)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/thread", s.handleGetThread).Methods(http.MethodGet)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/attachments/{filename}", s.handleGetAttachment).Methods(http.MethodGet)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/read", s.handleSetRead).Methods(http.MethodPatch)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/star", s.handleSetStarred).Methods(http.MethodPatch)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/important", s.handleSetImportant).Methods(http.MethodPatch)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/labels", s.handleAddLabel).Methods(http.MethodPost)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/labels/{label}", s.handleRemoveLabel).Methods(http.MethodDelete)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/move", s.handleMove).Methods(http.MethodPost)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/copy", s.handleCopy).Methods(http.MethodPost)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/archive", s.handleArchive).Methods(http.MethodPost)
	protected.HandleFunc("/emails/{folder}/{uid:[0-9]+}/spam", s.handleMarkSpam).Methods(http.MethodPost)

	protected.HandleFunc("/folders", s.handleListFolders).Methods(http.MethodGet)
	protected.HandleFunc("/folders", s.handleCreateFolder).Methods(http.MethodPost)
	protected.HandleFunc("/folders/{path:.+}/status", s.handleFolderStatus).Methods(http.MethodGet)
	protected.HandleFunc("/folders/{path:.+}", s.handleRenameFolder).Methods(http.MethodPatch)
	protected.HandleFunc("/folders/{path:.+}", s.handleDeleteFolder).Methods(http.MethodDelete)

	return r
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{s.opts.CORSOrigin}),
		handlers.AllowedMethods([]string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return cors(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contextKey string

const identityKey contextKey = "identity"

// identityFrom returns the authenticated identity stashed by the
// middleware. Panics if called outside a protected route.
func identityFrom(r *http.Request) *auth.Identity {
	return r.Context().Value(identityKey).(*auth.Identity)
}

// accountFrom builds the mail account for the authenticated user.
func accountFrom(r *http.Request) mail.Account {
	id := identityFrom(r)
	return mail.Account{
		UserID:   id.User.ID,
		Username: id.User.Email,
		Password: id.Password,
		Settings: id.User.Settings,
	}
}

// requireAuth validates the bearer token and stashes the identity in
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, r, &httpError{http.StatusUnauthorized, categoryInvalidToken, "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		identity, err := s.auth.Validate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, classify(err))
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit bounds unauthenticated request rates per client IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Add(clientIP(r), time.Now(), 1) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RateLimitWindow.Seconds())))
			s.writeError(w, r, &httpError{http.StatusTooManyRequests, categoryRateLimit, "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   clientIP(r),
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, he *httpError) {
	message := he.message
	if he.status == http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(he).Error("internal error")
		if !s.opts.Debug {
			message = "internal server error"
		}
	}
	s.writeJSON(w, he.status, map[string]string{
		"error":   he.category,
		"message": message,
	})
}

// decodeJSON parses a request body, rejecting unknown garbage early.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return validationError("missing request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validationError("malformed JSON body")
	}
	return nil
}

// pathMessage extracts the {folder}/{uid} pair from the route.
func pathMessage(r *http.Request) (string, uint32, error) {
	vars := mux.Vars(r)
	folder := vars["folder"]
	if folder == "" {
		return "", 0, validationError("folder is required")
	}
	uid, err := strconv.ParseUint(vars["uid"], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, validationError("uid must be a positive integer")
	}
	return folder, uint32(uid), nil
}
