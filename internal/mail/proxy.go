package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/model"
)

// flagImportant is the non-standard keyword used by several providers
// for "important" marks. Server support varies, so failures to set it
// never abort the outer operation.
const flagImportant = imap.Flag("$Important")

// MessageList is one page of a folder listing.
type MessageList struct {
	Emails []model.EmailSummary `json:"emails"`
	Total  int                  `json:"total"`
	Folder string               `json:"folder"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// SyncResult reports new messages above a previously observed UIDNEXT
// watermark.
type SyncResult struct {
	UIDNext uint32               `json:"uidNext"`
	Emails  []model.EmailSummary `json:"emails"`
}

// Proxy performs mail operations over transient connections, resolving
// caller-facing folder names to server-side paths as it goes.
type Proxy struct {
	dialer Dialer
	cache  *FolderCache
	log    *logrus.Logger
}

// NewProxy constructs a Proxy. The folder cache is owned by the caller
// (the composition root) so tests get per-instance isolation.
func NewProxy(dialer Dialer, cache *FolderCache, log *logrus.Logger) *Proxy {
	return &Proxy{dialer: dialer, cache: cache, log: log}
}

// listMailboxesOn lists all mailboxes on an open connection, including
// per-mailbox status counters.
func listMailboxesOn(c *imapclient.Client) ([]model.Mailbox, error) {
	listCmd := c.List("", "*", &imap.ListOptions{
		ReturnStatus: &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
			UIDNext:     true,
		},
	})
	data, err := listCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	mailboxes := make([]model.Mailbox, 0, len(data))
	for _, d := range data {
		name := d.Mailbox
		var delim string
		if d.Delim != 0 {
			delim = string(d.Delim)
		}
		if delim != "" {
			if i := strings.LastIndex(name, delim); i >= 0 {
				name = name[i+len(delim):]
			}
		}

		mb := model.Mailbox{
			Name:       name,
			Path:       d.Mailbox,
			Delimiter:  delim,
			Role:       RoleForMailbox(d.Attrs, name),
			Subscribed: !hasAttr(d.Attrs, imap.MailboxAttrNoSelect),
		}
		if d.Status != nil {
			if d.Status.NumMessages != nil {
				mb.Total = *d.Status.NumMessages
			}
			if d.Status.NumUnseen != nil {
				mb.Unseen = *d.Status.NumUnseen
			}
			mb.UIDNext = uint32(d.Status.UIDNext)
		}
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

// indexOn returns a folder index for the account, consulting the cache
// unless fresh is set. The listing happens on the already-open
// connection, never on a second one.
func (p *Proxy) indexOn(c *imapclient.Client, acct Account, fresh bool) (*FolderIndex, error) {
	if !fresh {
		if idx, ok := p.cache.Get(acct.UserID); ok {
			return idx, nil
		}
	}
	mailboxes, err := listMailboxesOn(c)
	if err != nil {
		return nil, err
	}
	idx := NewFolderIndex(mailboxes)
	p.cache.Put(acct.UserID, idx)
	return idx, nil
}

// resolveOn resolves one folder name on an open connection. INBOX
// short-circuits without a listing.
func (p *Proxy) resolveOn(c *imapclient.Client, acct Account, folder string) (string, error) {
	if Resolve(folder, nil) == "INBOX" {
		return "INBOX", nil
	}
	idx, err := p.indexOn(c, acct, false)
	if err != nil {
		return "", err
	}
	return Resolve(folder, idx), nil
}

// ListMailboxes returns a fresh mailbox listing and refreshes the cache.
func (p *Proxy) ListMailboxes(ctx context.Context, acct Account) ([]model.Mailbox, error) {
	var mailboxes []model.Mailbox
	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		mbs, err := listMailboxesOn(c)
		if err != nil {
			return err
		}
		p.cache.Put(acct.UserID, NewFolderIndex(mbs))
		mailboxes = mbs
		return nil
	})
	return mailboxes, err
}

// ListMessages returns a newest-first page of a folder's messages,
// optionally filtered by a full-text search query.
func (p *Proxy) ListMessages(ctx context.Context, acct Account, folder string, limit, offset int, search string) (*MessageList, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	result := &MessageList{Folder: folder, Limit: limit, Offset: offset, Emails: []model.EmailSummary{}}

	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}

		sel, err := c.Select(path, nil).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}

		if search != "" {
			return p.listSearched(c, path, search, limit, offset, result)
		}

		total := int(sel.NumMessages)
		result.Total = total
		if total == 0 || offset >= total {
			return nil
		}

		// Highest sequence numbers are the newest messages.
		last := uint32(total - offset)
		first := int64(last) - int64(limit) + 1
		if first < 1 {
			first = 1
		}

		var seqSet imap.SeqSet
		seqSet.AddRange(uint32(first), last)

		summaries, err := fetchSummaries(c, seqSet, path)
		if err != nil {
			return err
		}
		reverse(summaries)
		result.Emails = summaries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// listSearched pages a UID SEARCH result set newest-first.
func (p *Proxy) listSearched(c *imapclient.Client, path, search string, limit, offset int, result *MessageList) error {
	criteria := &imap.SearchCriteria{Text: []string{search}}
	searchData, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("searching %s: %w", path, err)
	}

	uids := searchData.AllUIDs()
	result.Total = len(uids)
	if len(uids) == 0 || offset >= len(uids) {
		return nil
	}

	// Server order is ascending; newest pages come off the end.
	end := len(uids) - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := uids[start:end]

	summaries, err := fetchSummaries(c, imap.UIDSetNum(page...), path)
	if err != nil {
		return err
	}
	reverse(summaries)
	result.Emails = summaries
	return nil
}

// fetchSummaries fetches envelope-level data for a message set.
func fetchSummaries(c *imapclient.Client, numSet imap.NumSet, folder string) ([]model.EmailSummary, error) {
	fetchCmd := c.Fetch(numSet, &imap.FetchOptions{
		Envelope:   true,
		Flags:      true,
		UID:        true,
		RFC822Size: true,
	})
	defer fetchCmd.Close()

	var summaries []model.EmailSummary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		summaries = append(summaries, summaryFromBuffer(buf, folder))
	}

	if err := fetchCmd.Close(); err != nil {
		return summaries, fmt.Errorf("fetching messages: %w", err)
	}
	return summaries, nil
}

// summaryFromBuffer extracts an EmailSummary from a fetch buffer.
func summaryFromBuffer(buf *imapclient.FetchMessageBuffer, folder string) model.EmailSummary {
	s := model.EmailSummary{
		UID:    uint32(buf.UID),
		Folder: folder,
		Size:   buf.RFC822Size,
	}

	if env := buf.Envelope; env != nil {
		s.MessageID = env.MessageID
		s.Subject = env.Subject
		s.Date = env.Date
		s.From = toAddresses(env.From)
		s.To = toAddresses(env.To)
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			s.Read = true
		case imap.FlagFlagged:
			s.Starred = true
		case imap.FlagAnswered:
			s.Answered = true
		}
		s.Flags = append(s.Flags, string(flag))
	}
	return s
}

func toAddresses(addrs []imap.Address) []model.Address {
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Name: a.Name, Address: a.Addr()})
	}
	return out
}

func reverse(s []model.EmailSummary) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// GetMessage fetches and parses one full message.
func (p *Proxy) GetMessage(ctx context.Context, acct Account, folder string, uid uint32) (*model.EmailMessage, error) {
	var message *model.EmailMessage

	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}

		buf, raw, err := fetchFull(c, uid)
		if err != nil {
			return err
		}

		summary := summaryFromBuffer(buf, path)
		parsed := parseRawMessage(raw)

		message = &model.EmailMessage{
			EmailSummary: summary,
			InReplyTo:    parsed.InReplyTo,
			References:   parsed.References,
			TextBody:     parsed.TextBody,
			HTMLBody:     parsed.HTMLBody,
			Headers:      parsed.Headers,
			Attachments:  parsed.Attachments,
		}
		if env := buf.Envelope; env != nil {
			message.Cc = toAddresses(env.Cc)
			message.ReplyTo = toAddresses(env.ReplyTo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// fetchFull fetches envelope, flags, and the complete raw body of one
// message by UID.
func fetchFull(c *imapclient.Client, uid uint32) (*imapclient.FetchMessageBuffer, []byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}

	fetchCmd := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, nil, fmt.Errorf("message %d: %w", uid, ErrNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, nil, fmt.Errorf("collecting message %d: %w", uid, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, nil, fmt.Errorf("closing fetch: %w", err)
	}

	return buf, buf.FindBodySection(bodySection), nil
}

// GetAttachment fetches one message and returns the named attachment's
// content and MIME type.
func (p *Proxy) GetAttachment(ctx context.Context, acct Account, folder string, uid uint32, filename string) ([]byte, string, error) {
	var content []byte
	var contentType string

	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}
		_, raw, err := fetchFull(c, uid)
		if err != nil {
			return err
		}
		content, contentType, err = attachmentContent(raw, filename)
		return err
	})
	return content, contentType, err
}

// SetFlag adds or removes one flag on a message.
func (p *Proxy) SetFlag(ctx context.Context, acct Account, folder string, uid uint32, flag imap.Flag, on bool) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}
		return storeFlag(c, uid, flag, on)
	})
}

func storeFlag(c *imapclient.Client, uid uint32, flag imap.Flag, on bool) error {
	op := imap.StoreFlagsAdd
	if !on {
		op = imap.StoreFlagsDel
	}
	storeCmd := c.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("storing flag %s: %w", flag, err)
	}
	return nil
}

// SetRead sets or clears the IMAP seen flag.
func (p *Proxy) SetRead(ctx context.Context, acct Account, folder string, uid uint32, read bool) error {
	return p.SetFlag(ctx, acct, folder, uid, imap.FlagSeen, read)
}

// SetStarred sets or clears the IMAP flagged flag.
func (p *Proxy) SetStarred(ctx context.Context, acct Account, folder string, uid uint32, starred bool) error {
	return p.SetFlag(ctx, acct, folder, uid, imap.FlagFlagged, starred)
}

// SetImportant sets or clears the non-standard $Important keyword.
// Server support varies; a store failure is logged and swallowed.
func (p *Proxy) SetImportant(ctx context.Context, acct Account, folder string, uid uint32, important bool) error {
	err := p.SetFlag(ctx, acct, folder, uid, flagImportant, important)
	if err != nil && !IsConnectError(err) && !IsAuthError(err) {
		p.log.WithError(err).WithFields(logrus.Fields{
			"folder": folder,
			"uid":    uid,
		}).Warn("server rejected importance keyword")
		return nil
	}
	return err
}

// AddLabel adds an arbitrary keyword flag to a message.
func (p *Proxy) AddLabel(ctx context.Context, acct Account, folder string, uid uint32, label string) error {
	return p.SetFlag(ctx, acct, folder, uid, imap.Flag(label), true)
}

// RemoveLabel removes an arbitrary keyword flag from a message.
func (p *Proxy) RemoveLabel(ctx context.Context, acct Account, folder string, uid uint32, label string) error {
	return p.SetFlag(ctx, acct, folder, uid, imap.Flag(label), false)
}

// Move moves one message to another folder.
func (p *Proxy) Move(ctx context.Context, acct Account, folder string, uid uint32, target string) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, false)
		if err != nil {
			return err
		}
		path := Resolve(folder, idx)
		targetPath := Resolve(target, idx)

		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}
		if _, err := c.Move(imap.UIDSetNum(imap.UID(uid)), targetPath).Wait(); err != nil {
			return fmt.Errorf("moving %d to %s: %w", uid, targetPath, err)
		}
		return nil
	})
}

// Copy copies one message to another folder.
func (p *Proxy) Copy(ctx context.Context, acct Account, folder string, uid uint32, target string) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, false)
		if err != nil {
			return err
		}
		path := Resolve(folder, idx)
		targetPath := Resolve(target, idx)

		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}
		if _, err := c.Copy(imap.UIDSetNum(imap.UID(uid)), targetPath).Wait(); err != nil {
			return fmt.Errorf("copying %d to %s: %w", uid, targetPath, err)
		}
		return nil
	})
}

// Delete removes a message. Deleting from a non-trash folder moves it
// to the Trash folder (creating one when totally absent); deleting
// while already in Trash, or with permanent set, expunges it instead.
func (p *Proxy) Delete(ctx context.Context, acct Account, folder string, uid uint32, permanent bool) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		// Trash detection needs a current listing, not a cached one.
		idx, err := p.indexOn(c, acct, true)
		if err != nil {
			return err
		}
		path := Resolve(folder, idx)
		trashPath, haveTrash := idx.PathForRole(model.RoleTrash)
		inTrash := haveTrash && path == trashPath

		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}

		uidSet := imap.UIDSetNum(imap.UID(uid))
		if permanent || inTrash {
			if err := storeFlag(c, uid, imap.FlagDeleted, true); err != nil {
				return err
			}
			if err := c.UIDExpunge(uidSet).Close(); err != nil {
				return fmt.Errorf("expunging %d: %w", uid, err)
			}
			return nil
		}

		if !haveTrash {
			trashPath = defaultRoleNames[model.RoleTrash]
			if err := c.Create(trashPath, nil).Wait(); err != nil {
				return fmt.Errorf("creating %s: %w", trashPath, err)
			}
			p.cache.Invalidate(acct.UserID)
		}
		if _, err := c.Move(uidSet, trashPath).Wait(); err != nil {
			return fmt.Errorf("moving %d to %s: %w", uid, trashPath, err)
		}
		return nil
	})
}

// Archive moves a message to the Archive folder, creating it first if
// totally absent.
func (p *Proxy) Archive(ctx context.Context, acct Account, folder string, uid uint32) error {
	return p.moveToRole(ctx, acct, folder, uid, model.RoleArchive)
}

// MarkSpam moves a message to the Junk folder, creating it first if
// totally absent.
func (p *Proxy) MarkSpam(ctx context.Context, acct Account, folder string, uid uint32) error {
	return p.moveToRole(ctx, acct, folder, uid, model.RoleJunk)
}

func (p *Proxy) moveToRole(ctx context.Context, acct Account, folder string, uid uint32, role model.FolderRole) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, true)
		if err != nil {
			return err
		}
		path := Resolve(folder, idx)

		target, ok := idx.PathForRole(role)
		if !ok {
			target = defaultRoleNames[role]
			if err := c.Create(target, nil).Wait(); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			p.cache.Invalidate(acct.UserID)
		}

		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}
		if _, err := c.Move(imap.UIDSetNum(imap.UID(uid)), target).Wait(); err != nil {
			return fmt.Errorf("moving %d to %s: %w", uid, target, err)
		}
		return nil
	})
}

// Append stores a raw message into a folder with the given flags.
func (p *Proxy) Append(ctx context.Context, acct Account, folder string, raw []byte, flags []imap.Flag) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		return appendRaw(c, path, raw, flags)
	})
}

func appendRaw(c *imapclient.Client, path string, raw []byte, flags []imap.Flag) error {
	appendCmd := c.Append(path, int64(len(raw)), &imap.AppendOptions{Flags: flags})
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return fmt.Errorf("writing message to %s: %w", path, err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("closing append to %s: %w", path, err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// AppendToRole stores a raw message into the folder carrying a role,
// creating the folder when totally absent. Used for sent copies and
// drafts.
func (p *Proxy) AppendToRole(ctx context.Context, acct Account, role model.FolderRole, raw []byte, flags []imap.Flag) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, true)
		if err != nil {
			return err
		}
		path, ok := idx.PathForRole(role)
		if !ok {
			path = defaultRoleNames[role]
			if err := c.Create(path, nil).Wait(); err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			p.cache.Invalidate(acct.UserID)
		}
		return appendRaw(c, path, raw, flags)
	})
}

// delimiterFor returns the hierarchy delimiter of the mailbox at path,
// falling back to "/" when the listing does not carry one.
func delimiterFor(idx *FolderIndex, path string) string {
	for _, mb := range idx.Mailboxes() {
		if mb.Path == path && mb.Delimiter != "" {
			return mb.Delimiter
		}
	}
	return "/"
}

// CreateMailbox creates a new mailbox, optionally under a parent.
func (p *Proxy) CreateMailbox(ctx context.Context, acct Account, name, parent string) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path := name
		if parent != "" {
			idx, err := p.indexOn(c, acct, true)
			if err != nil {
				return err
			}
			parentPath := Resolve(parent, idx)
			delim := delimiterFor(idx, parentPath)
			path = parentPath + delim + name
		}
		if err := c.Create(path, nil).Wait(); err != nil {
			return fmt.Errorf("creating mailbox %s: %w", path, err)
		}
		p.cache.Invalidate(acct.UserID)
		return nil
	})
}

// RenameMailbox renames a mailbox in place, preserving its parent.
func (p *Proxy) RenameMailbox(ctx context.Context, acct Account, path, newName string) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, true)
		if err != nil {
			return err
		}
		oldPath := Resolve(path, idx)
		delim := delimiterFor(idx, oldPath)

		newPath := newName
		if delim != "" {
			if i := strings.LastIndex(oldPath, delim); i >= 0 {
				newPath = oldPath[:i+len(delim)] + newName
			}
		}

		if err := c.Rename(oldPath, newPath, nil).Wait(); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", oldPath, newPath, err)
		}
		p.cache.Invalidate(acct.UserID)
		return nil
	})
}

// DeleteMailbox deletes a mailbox. System folder protection is the
// HTTP layer's responsibility.
func (p *Proxy) DeleteMailbox(ctx context.Context, acct Account, path string) error {
	return p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		idx, err := p.indexOn(c, acct, true)
		if err != nil {
			return err
		}
		resolved := Resolve(path, idx)
		if err := c.Delete(resolved).Wait(); err != nil {
			return fmt.Errorf("deleting mailbox %s: %w", resolved, err)
		}
		p.cache.Invalidate(acct.UserID)
		return nil
	})
}

// Status returns current counters for one folder.
func (p *Proxy) Status(ctx context.Context, acct Account, folder string) (*model.Mailbox, error) {
	var mb *model.Mailbox
	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		data, err := c.Status(path, &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
			UIDNext:     true,
		}).Wait()
		if err != nil {
			return fmt.Errorf("statusing %s: %w", path, err)
		}

		mb = &model.Mailbox{Path: data.Mailbox, Name: data.Mailbox}
		if data.NumMessages != nil {
			mb.Total = *data.NumMessages
		}
		if data.NumUnseen != nil {
			mb.Unseen = *data.NumUnseen
		}
		mb.UIDNext = uint32(data.UIDNext)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// Sync compares the folder's UIDNEXT against a previously observed
// watermark and returns exactly the messages in between. A zero
// watermark establishes the baseline without fetching. Pull-based
// polling, not a push/IDLE subscription.
func (p *Proxy) Sync(ctx context.Context, acct Account, folder string, lastUIDNext uint32) (*SyncResult, error) {
	result := &SyncResult{Emails: []model.EmailSummary{}}

	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		sel, err := c.Select(path, nil).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}

		current := uint32(sel.UIDNext)
		result.UIDNext = current
		if lastUIDNext == 0 || current <= lastUIDNext {
			return nil
		}

		var uidSet imap.UIDSet
		uidSet.AddRange(imap.UID(lastUIDNext), imap.UID(current-1))

		summaries, err := fetchSummaries(c, uidSet, path)
		if err != nil {
			return err
		}
		result.Emails = summaries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetThread returns all messages in the folder sharing the given
// message's base subject, chronologically ascending. This is a subject
// heuristic rather than a References graph walk.
func (p *Proxy) GetThread(ctx context.Context, acct Account, folder string, uid uint32) ([]model.EmailSummary, error) {
	var thread []model.EmailSummary

	err := p.dialer.WithConnection(ctx, acct, func(c *imapclient.Client) error {
		path, err := p.resolveOn(c, acct, folder)
		if err != nil {
			return err
		}
		if _, err := c.Select(path, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", path, err)
		}

		anchor, err := fetchSummaries(c, imap.UIDSetNum(imap.UID(uid)), path)
		if err != nil {
			return err
		}
		if len(anchor) == 0 {
			return fmt.Errorf("message %d: %w", uid, ErrNotFound)
		}

		base := BaseSubject(anchor[0].Subject)
		if base == "" {
			thread = anchor
			return nil
		}

		criteria := &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: base}},
		}
		searchData, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching thread: %w", err)
		}
		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			thread = anchor
			return nil
		}

		candidates, err := fetchSummaries(c, imap.UIDSetNum(uids...), path)
		if err != nil {
			return err
		}
		// SEARCH HEADER matches substrings; re-check the subject so
		// "Other" never rides along with "Re: Other things".
		thread = groupThread(base, candidates)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}
