package model

import "time"

// SecurityMode describes how a mail-server connection is secured.
type SecurityMode string

const (
	// SecuritySSL is implicit TLS: the socket is TLS from the first byte.
	SecuritySSL SecurityMode = "ssl"
	// SecurityStartTLS upgrades a plaintext connection via STARTTLS.
	SecurityStartTLS SecurityMode = "starttls"
	// SecurityNone uses no transport security.
	SecurityNone SecurityMode = "none"
)

// ServerSettings holds the IMAP and SMTP endpoints for a user's mail account.
type ServerSettings struct {
	IMAPHost     string       `json:"imapHost" db:"imap_host"`
	IMAPPort     int          `json:"imapPort" db:"imap_port"`
	IMAPSecurity SecurityMode `json:"imapSecurity" db:"imap_security"`
	SMTPHost     string       `json:"smtpHost" db:"smtp_host"`
	SMTPPort     int          `json:"smtpPort" db:"smtp_port"`
	SMTPSecurity SecurityMode `json:"smtpSecurity" db:"smtp_security"`
}

// User is a mailbox owner, created implicitly on first successful login.
type User struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName"`
	Settings    ServerSettings `json:"settings"`

	// EncryptedPassword is the mail password sealed by the credential
	// codec. Never serialized to API responses.
	EncryptedPassword string `json:"-"`

	// PasswordEpoch increases every time the user logs in with a
	// different password. Sessions minted under an older epoch are
	// invalid.
	PasswordEpoch int64 `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is one issued bearer token, keyed by its JTI.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	PasswordEpoch int64     `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ClientIP      string    `json:"clientIp"`
	UserAgent     string    `json:"userAgent"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// FolderRole classifies a mailbox by its function, derived from RFC 6154
// special-use attributes with display-name conventions as a fallback.
type FolderRole string

const (
	RoleInbox   FolderRole = "inbox"
	RoleSent    FolderRole = "sent"
	RoleDrafts  FolderRole = "drafts"
	RoleTrash   FolderRole = "trash"
	RoleJunk    FolderRole = "junk"
	RoleArchive FolderRole = "archive"
	RoleNone    FolderRole = ""
)

// Mailbox is a live view of one IMAP mailbox. Never persisted; every
// listing is fetched fresh from the server (or a short-lived cache).
type Mailbox struct {
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Delimiter  string     `json:"delimiter"`
	Role       FolderRole `json:"role,omitempty"`
	Subscribed bool       `json:"subscribed"`
	Total      uint32     `json:"total"`
	Unseen     uint32     `json:"unseen"`
	UIDNext    uint32     `json:"uidNext"`
}

// Address is a parsed mail address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// EmailSummary is the listing view of a message: envelope and flags,
// without body content.
type EmailSummary struct {
	UID       uint32    `json:"uid"`
	Folder    string    `json:"folder"`
	MessageID string    `json:"messageId,omitempty"`
	Subject   string    `json:"subject"`
	From      []Address `json:"from"`
	To        []Address `json:"to"`
	Date      time.Time `json:"date"`
	Size      int64     `json:"size"`
	Read      bool      `json:"read"`
	Starred   bool      `json:"starred"`
	Answered  bool      `json:"answered"`
	Flags     []string  `json:"flags,omitempty"`
}

// EmailMessage is the full view of one message, including parsed bodies,
// threading headers and attachment metadata.
type EmailMessage struct {
	EmailSummary

	Cc          []Address         `json:"cc,omitempty"`
	ReplyTo     []Address         `json:"replyTo,omitempty"`
	InReplyTo   string            `json:"inReplyTo,omitempty"`
	References  []string          `json:"references,omitempty"`
	TextBody    string            `json:"textBody"`
	HTMLBody    string            `json:"htmlBody,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment is metadata about one MIME attachment part.
type Attachment struct {
	Filename  string `json:"filename"`
	MIMEType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Inline    bool   `json:"inline"`
	ContentID string `json:"contentId,omitempty"`
}
