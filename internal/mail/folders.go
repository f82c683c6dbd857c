package mail

import (
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/tidemail/tidemail/internal/model"
)

// attrRoles maps RFC 6154 special-use attributes to folder roles. The
// attribute always wins over any name-based match.
var attrRoles = map[imap.MailboxAttr]model.FolderRole{
	imap.MailboxAttrSent:    model.RoleSent,
	imap.MailboxAttrDrafts:  model.RoleDrafts,
	imap.MailboxAttrTrash:   model.RoleTrash,
	imap.MailboxAttrJunk:    model.RoleJunk,
	imap.MailboxAttrArchive: model.RoleArchive,
}

// nameRoles maps conventional lowercased display names to roles, used
// only for mailboxes without a special-use attribute.
var nameRoles = map[string]model.FolderRole{
	"inbox":         model.RoleInbox,
	"sent":          model.RoleSent,
	"sent messages": model.RoleSent,
	"sent items":    model.RoleSent,
	"drafts":        model.RoleDrafts,
	"draft":         model.RoleDrafts,
	"trash":         model.RoleTrash,
	"deleted":       model.RoleTrash,
	"deleted items": model.RoleTrash,
	"junk":          model.RoleJunk,
	"spam":          model.RoleJunk,
	"junk e-mail":   model.RoleJunk,
	"archive":       model.RoleArchive,
	"archives":      model.RoleArchive,
	"all mail":      model.RoleArchive,
}

// requestAliases maps the folder names callers are allowed to use as
// shorthand onto roles.
var requestAliases = map[string]model.FolderRole{
	"sent":    model.RoleSent,
	"drafts":  model.RoleDrafts,
	"trash":   model.RoleTrash,
	"spam":    model.RoleJunk,
	"junk":    model.RoleJunk,
	"archive": model.RoleArchive,
}

// defaultRoleNames are the mailbox names created when a role folder is
// missing entirely.
var defaultRoleNames = map[model.FolderRole]string{
	model.RoleSent:    "Sent",
	model.RoleDrafts:  "Drafts",
	model.RoleTrash:   "Trash",
	model.RoleJunk:    "Junk",
	model.RoleArchive: "Archive",
}

// RoleForMailbox classifies one mailbox. Special-use attributes take
// strict priority over display-name conventions.
func RoleForMailbox(attrs []imap.MailboxAttr, name string) model.FolderRole {
	for _, attr := range attrs {
		if role, ok := attrRoles[attr]; ok {
			return role
		}
	}
	if strings.EqualFold(name, "INBOX") {
		return model.RoleInbox
	}
	if role, ok := nameRoles[strings.ToLower(name)]; ok {
		return role
	}
	return model.RoleNone
}

// FolderIndex is a lookup over one mailbox listing, mapping lowercased
// names, paths, and role aliases onto actual server-side paths.
type FolderIndex struct {
	mailboxes []model.Mailbox
	byName    map[string]string
	byRole    map[model.FolderRole]string
}

// NewFolderIndex builds an index from a listing. The first mailbox to
// claim a name or role wins; later duplicates never override.
func NewFolderIndex(mailboxes []model.Mailbox) *FolderIndex {
	idx := &FolderIndex{
		mailboxes: mailboxes,
		byName:    make(map[string]string, 2*len(mailboxes)),
		byRole:    make(map[model.FolderRole]string),
	}
	for _, mb := range mailboxes {
		for _, key := range []string{strings.ToLower(mb.Name), strings.ToLower(mb.Path)} {
			if _, taken := idx.byName[key]; !taken {
				idx.byName[key] = mb.Path
			}
		}
		if mb.Role != model.RoleNone {
			if _, taken := idx.byRole[mb.Role]; !taken {
				idx.byRole[mb.Role] = mb.Path
			}
		}
	}
	return idx
}

// Mailboxes returns the listing the index was built from.
func (idx *FolderIndex) Mailboxes() []model.Mailbox {
	return idx.mailboxes
}

// PathForRole returns the actual path of the mailbox carrying a role.
func (idx *FolderIndex) PathForRole(role model.FolderRole) (string, bool) {
	path, ok := idx.byRole[role]
	return path, ok
}

// Resolve maps a caller-supplied folder name onto the server's actual
// mailbox path. INBOX resolves case-insensitively without consulting
// the index; idx may be nil in that case. An unresolvable name is
// returned unchanged: the server itself rejects invalid paths and that
// failure propagates to the caller.
func Resolve(requested string, idx *FolderIndex) string {
	if strings.EqualFold(requested, "INBOX") {
		return "INBOX"
	}
	if idx == nil {
		return requested
	}

	lower := strings.ToLower(requested)
	if path, ok := idx.byName[lower]; ok {
		return path
	}
	if role, ok := requestAliases[lower]; ok {
		if path, ok := idx.byRole[role]; ok {
			return path
		}
	}
	return requested
}

// FolderCache holds recent mailbox listings per account with TTL and a
// bounded entry count. Correctness never depends on the cache: any
// resolution may force a fresh listing, and invalidation simply drops
// the entry.
type FolderCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

type cacheEntry struct {
	index   *FolderIndex
	storedAt time.Time
}

// NewFolderCache constructs a cache with the given TTL and entry bound.
func NewFolderCache(ttl time.Duration, maxEntries int) *FolderCache {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	return &FolderCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// Get returns the cached index for key if present and fresh.
func (c *FolderCache) Get(key string) (*FolderIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.index, true
}

// Put stores an index for key, evicting the oldest entry when full.
func (c *FolderCache) Put(key string, idx *FolderIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = cacheEntry{index: idx, storedAt: c.now()}
}

// Invalidate drops the entry for key.
func (c *FolderCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
