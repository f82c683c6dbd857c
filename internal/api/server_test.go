package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemail/tidemail/internal/auth"
	"github.com/tidemail/tidemail/internal/discover"
	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/model"
)

type fakeAuth struct {
	loginFn    func(req auth.LoginRequest) (*auth.LoginResult, error)
	validateFn func(token string) (*auth.Identity, error)
	loggedOut  []string
}

func (f *fakeAuth) Login(_ context.Context, req auth.LoginRequest, _ auth.ClientMeta) (*auth.LoginResult, error) {
	if f.loginFn != nil {
		return f.loginFn(req)
	}
	return nil, auth.ErrAuthentication
}

func (f *fakeAuth) Validate(_ context.Context, token string) (*auth.Identity, error) {
	if f.validateFn != nil {
		return f.validateFn(token)
	}
	return nil, auth.ErrInvalidToken
}

func (f *fakeAuth) Logout(_ context.Context, jti string) error {
	f.loggedOut = append(f.loggedOut, jti)
	return nil
}

// fakeMail answers every operation through optional function fields,
// defaulting to success with zero values.
type fakeMail struct {
	listMailboxesFn func() ([]model.Mailbox, error)
	listMessagesFn  func(folder string, limit, offset int, search string) (*mail.MessageList, error)
	getMessageFn    func(folder string, uid uint32) (*model.EmailMessage, error)
	setReadFn       func(folder string, uid uint32, read bool) error
	deleteFn        func(folder string, uid uint32, permanent bool) error
	deleteMailboxFn func(path string) error
}

func (f *fakeMail) ListMailboxes(context.Context, mail.Account) ([]model.Mailbox, error) {
	if f.listMailboxesFn != nil {
		return f.listMailboxesFn()
	}
	return []model.Mailbox{}, nil
}

func (f *fakeMail) ListMessages(_ context.Context, _ mail.Account, folder string, limit, offset int, search string) (*mail.MessageList, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(folder, limit, offset, search)
	}
	return &mail.MessageList{Folder: folder, Limit: limit, Offset: offset, Emails: []model.EmailSummary{}}, nil
}

func (f *fakeMail) GetMessage(_ context.Context, _ mail.Account, folder string, uid uint32) (*model.EmailMessage, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(folder, uid)
	}
	return &model.EmailMessage{}, nil
}

func (f *fakeMail) GetAttachment(context.Context, mail.Account, string, uint32, string) ([]byte, string, error) {
	return []byte("data"), "text/plain", nil
}

func (f *fakeMail) GetThread(context.Context, mail.Account, string, uint32) ([]model.EmailSummary, error) {
	return []model.EmailSummary{}, nil
}

func (f *fakeMail) SetRead(_ context.Context, _ mail.Account, folder string, uid uint32, read bool) error {
	if f.setReadFn != nil {
		return f.setReadFn(folder, uid, read)
	}
	return nil
}

func (f *fakeMail) SetStarred(context.Context, mail.Account, string, uint32, bool) error { return nil }
func (f *fakeMail) SetImportant(context.Context, mail.Account, string, uint32, bool) error {
	return nil
}
func (f *fakeMail) AddLabel(context.Context, mail.Account, string, uint32, string) error { return nil }
func (f *fakeMail) RemoveLabel(context.Context, mail.Account, string, uint32, string) error {
	return nil
}
func (f *fakeMail) Move(context.Context, mail.Account, string, uint32, string) error { return nil }
func (f *fakeMail) Copy(context.Context, mail.Account, string, uint32, string) error { return nil }

func (f *fakeMail) Delete(_ context.Context, _ mail.Account, folder string, uid uint32, permanent bool) error {
	if f.deleteFn != nil {
		return f.deleteFn(folder, uid, permanent)
	}
	return nil
}

func (f *fakeMail) Archive(context.Context, mail.Account, string, uint32) error  { return nil }
func (f *fakeMail) MarkSpam(context.Context, mail.Account, string, uint32) error { return nil }

func (f *fakeMail) Status(context.Context, mail.Account, string) (*model.Mailbox, error) {
	return &model.Mailbox{}, nil
}

func (f *fakeMail) Sync(context.Context, mail.Account, string, uint32) (*mail.SyncResult, error) {
	return &mail.SyncResult{Emails: []model.EmailSummary{}}, nil
}

func (f *fakeMail) CreateMailbox(context.Context, mail.Account, string, string) error { return nil }
func (f *fakeMail) RenameMailbox(context.Context, mail.Account, string, string) error { return nil }

func (f *fakeMail) DeleteMailbox(_ context.Context, _ mail.Account, path string) error {
	if f.deleteMailboxFn != nil {
		return f.deleteMailboxFn(path)
	}
	return nil
}

type fakeSend struct{}

func (fakeSend) Send(context.Context, mail.Account, *mail.OutgoingMessage) (string, error) {
	return "generated-id@example.com", nil
}

func (fakeSend) SaveDraft(context.Context, mail.Account, *mail.OutgoingMessage) (string, error) {
	return "draft-id@example.com", nil
}

type fakeDiscover struct{}

func (fakeDiscover) Discover(_ context.Context, email string) (*discover.Result, error) {
	return &discover.Result{Found: false, Source: "fallback"}, nil
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		User: &model.User{
			ID:    "u1",
			Email: "alice@example.com",
			Settings: model.ServerSettings{
				IMAPHost: "imap.example.com", IMAPPort: 993, IMAPSecurity: model.SecuritySSL,
				SMTPHost: "smtp.example.com", SMTPPort: 465, SMTPSecurity: model.SecuritySSL,
			},
		},
		Session:  &model.Session{ID: "jti-1", UserID: "u1"},
		Password: "hunter2",
	}
}

func testServer(t *testing.T, authSvc AuthService, mailSvc MailService, opts Options) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	if opts.RateLimitWindow == 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.RateLimitMax == 0 {
		opts.RateLimitMax = 100
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return NewServer(authSvc, mailSvc, fakeSend{}, fakeDiscover{}, log, opts)
}

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func validAuth() *fakeAuth {
	return &fakeAuth{
		validateFn: func(token string) (*auth.Identity, error) {
			if token == "good" {
				return testIdentity(), nil
			}
			return nil, auth.ErrInvalidToken
		},
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	s := testServer(t, validAuth(), &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodGet, "/api/emails", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, categoryInvalidToken, decodeBody(t, w)["error"])

	w = doJSON(t, s, http.MethodGet, "/api/emails", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginValidation(t *testing.T) {
	s := testServer(t, &fakeAuth{}, &fakeMail{}, Options{})

	for _, body := range []interface{}{
		map[string]string{"password": "x"},
		map[string]string{"email": "not-an-address", "password": "x"},
		map[string]string{"email": "a@b.example"},
	} {
		w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, categoryValidation, decodeBody(t, w)["error"])
	}
}

func TestLoginSuccessIncludesMailboxes(t *testing.T) {
	authSvc := &fakeAuth{
		loginFn: func(req auth.LoginRequest) (*auth.LoginResult, error) {
			return &auth.LoginResult{
				Token:     "issued-token",
				JTI:       "jti-1",
				ExpiresAt: time.Now().Add(time.Hour),
				User:      testIdentity().User,
			}, nil
		},
	}
	mailSvc := &fakeMail{
		listMailboxesFn: func() ([]model.Mailbox, error) {
			return []model.Mailbox{{Name: "INBOX", Path: "INBOX", Role: model.RoleInbox}}, nil
		},
	}
	s := testServer(t, authSvc, mailSvc, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "issued-token", body["token"])
	assert.Len(t, body["mailboxes"], 1)
}

func TestLoginBadCredentials(t *testing.T) {
	s := testServer(t, &fakeAuth{}, &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, categoryAuthentication, decodeBody(t, w)["error"])
}

func TestLoginRateLimited(t *testing.T) {
	s := testServer(t, &fakeAuth{}, &fakeMail{}, Options{RateLimitMax: 2})

	body := map[string]string{"email": "alice@example.com", "password": "x"}
	for i := 0; i < 2; i++ {
		w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", body)
		assert.NotEqual(t, http.StatusTooManyRequests, w.Code)
	}

	w := doJSON(t, s, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, categoryRateLimit, decodeBody(t, w)["error"])
}

func TestAutoconfig(t *testing.T) {
	s := testServer(t, &fakeAuth{}, &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/auth/autoconfig", "", map[string]string{
		"email": "user@example.org",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "fallback", body["source"])
	assert.Equal(t, false, body["found"])
}

func TestLogout(t *testing.T) {
	authSvc := validAuth()
	s := testServer(t, authSvc, &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/auth/logout", "good", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"jti-1"}, authSvc.loggedOut)
}

func TestMailErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"unreachable", &mail.ConnectError{Addr: "imap.example.com:993", Err: errors.New("refused")}, http.StatusServiceUnavailable, categoryUnreachable},
		{"protocol failure", errors.New("BAD unexpected command"), http.StatusBadGateway, categoryMailServer},
		{"missing message", fmt.Errorf("message 9: %w", mail.ErrNotFound), http.StatusNotFound, categoryNotFound},
		{"credentials rejected", &mail.AuthError{Server: "imap.example.com:993", Message: "no"}, http.StatusUnauthorized, categoryAuthentication},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mailSvc := &fakeMail{
				getMessageFn: func(string, uint32) (*model.EmailMessage, error) {
					return nil, tc.err
				},
			}
			s := testServer(t, validAuth(), mailSvc, Options{})

			w := doJSON(t, s, http.MethodGet, "/api/emails/INBOX/7", "good", nil)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantError, decodeBody(t, w)["error"])
		})
	}
}

func TestInternalErrorMessageSuppressed(t *testing.T) {
	authSvc := &fakeAuth{
		validateFn: func(string) (*auth.Identity, error) {
			return nil, errors.New("sqlite disk io failure at /var/lib")
		},
	}
	s := testServer(t, authSvc, &fakeMail{}, Options{Debug: false})

	w := doJSON(t, s, http.MethodGet, "/api/folders", "good", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "/var/lib")
	assert.Equal(t, categoryInternal, decodeBody(t, w)["error"])
}

func TestMailProtocolFailureIsBadGateway(t *testing.T) {
	mailSvc := &fakeMail{
		listMailboxesFn: func() ([]model.Mailbox, error) {
			return nil, errors.New("NO LIST failed")
		},
	}
	s := testServer(t, validAuth(), mailSvc, Options{})

	w := doJSON(t, s, http.MethodGet, "/api/folders", "good", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "NO LIST failed")
}

func TestListMessagesValidation(t *testing.T) {
	s := testServer(t, validAuth(), &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodGet, "/api/emails?limit=0", "good", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/emails?limit=1000", "good", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/emails?offset=-1", "good", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListMessagesDefaultsToInbox(t *testing.T) {
	var gotFolder string
	mailSvc := &fakeMail{
		listMessagesFn: func(folder string, limit, offset int, search string) (*mail.MessageList, error) {
			gotFolder = folder
			return &mail.MessageList{Folder: folder, Emails: []model.EmailSummary{}}, nil
		},
	}
	s := testServer(t, validAuth(), mailSvc, Options{})

	w := doJSON(t, s, http.MethodGet, "/api/emails", "good", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "INBOX", gotFolder)
}

func TestSetReadRequiresField(t *testing.T) {
	s := testServer(t, validAuth(), &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPatch, "/api/emails/INBOX/3/read", "good", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPatch, "/api/emails/INBOX/3/read", "good", map[string]bool{"read": true})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBatchDeletePartialFailure(t *testing.T) {
	mailSvc := &fakeMail{
		deleteFn: func(folder string, uid uint32, permanent bool) error {
			if uid == 3 {
				return fmt.Errorf("folder gone: %w", mail.ErrNotFound)
			}
			return nil
		},
	}
	s := testServer(t, validAuth(), mailSvc, Options{})

	items := []map[string]interface{}{}
	for uid := 1; uid <= 5; uid++ {
		items = append(items, map[string]interface{}{"folder": "INBOX", "uid": uid})
	}
	w := doJSON(t, s, http.MethodPost, "/api/emails/batch/delete", "good", map[string]interface{}{
		"items": items,
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(4), body["succeeded"])
	assert.Equal(t, float64(1), body["failed"])
	assert.Len(t, body["errors"], 1)
}

func TestBatchRejectsEmptyAndMalformedItems(t *testing.T) {
	s := testServer(t, validAuth(), &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/emails/batch/read", "good", map[string]interface{}{
		"items": []interface{}{}, "read": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/emails/batch/read", "good", map[string]interface{}{
		"items": []map[string]interface{}{{"folder": "", "uid": 1}}, "read": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemFoldersProtected(t *testing.T) {
	deleted := false
	mailSvc := &fakeMail{
		deleteMailboxFn: func(path string) error {
			deleted = true
			return nil
		},
	}
	s := testServer(t, validAuth(), mailSvc, Options{})

	for _, path := range []string{"INBOX", "Trash", "trash", "Sent%20Items"} {
		w := doJSON(t, s, http.MethodDelete, "/api/folders/"+path, "good", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "path %q", path)
	}
	assert.False(t, deleted)

	w := doJSON(t, s, http.MethodDelete, "/api/folders/Receipts", "good", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, deleted)
}

func TestSendValidation(t *testing.T) {
	s := testServer(t, validAuth(), &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodPost, "/api/emails/send", "good", map[string]interface{}{
		"subject": "no recipients",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/emails/send", "good", map[string]interface{}{
		"to":       []map[string]string{{"address": "bob@example.com"}},
		"subject":  "hello",
		"textBody": "hi",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "generated-id@example.com", body["messageId"])
}

func TestHealthIsPublic(t *testing.T) {
	s := testServer(t, &fakeAuth{}, &fakeMail{}, Options{})

	w := doJSON(t, s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
