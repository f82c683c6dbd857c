package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/tidemail/tidemail/internal/mail"
	"github.com/tidemail/tidemail/internal/model"
)

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	folder := q.Get("folder")
	if folder == "" {
		folder = "INBOX"
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, validationError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, validationError("offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	list, err := s.mail.ListMessages(r.Context(), accountFrom(r), folder, limit, offset, q.Get("search"))
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}

	msg, err := s.mail.GetMessage(r.Context(), accountFrom(r), folder, uid)
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}

	thread, err := s.mail.GetThread(r.Context(), accountFrom(r), folder, uid)
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": thread,
		"count":    len(thread),
	})
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	filename := mux.Vars(r)["filename"]
	if filename == "" {
		s.writeError(w, r, validationError("filename is required"))
		return
	}

	content, contentType, err := s.mail.GetAttachment(r.Context(), accountFrom(r), folder, uid, filename)
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		s.log.WithError(err).Debug("attachment write aborted")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	folder := q.Get("folder")
	if folder == "" {
		folder = "INBOX"
	}

	var uidNext uint32
	if v := q.Get("uidNext"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			s.writeError(w, r, validationError("uidNext must be a non-negative integer"))
			return
		}
		uidNext = uint32(n)
	}

	result, err := s.mail.Sync(r.Context(), accountFrom(r), folder, uidNext)
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type sendRequest struct {
	To      []model.Address `json:"to"`
	Cc      []model.Address `json:"cc,omitempty"`
	Bcc     []model.Address `json:"bcc,omitempty"`
	Subject string          `json:"subject"`

	TextBody   string   `json:"textBody"`
	HTMLBody   string   `json:"htmlBody,omitempty"`
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	References []string `json:"references,omitempty"`

	Attachments []sendAttachment `json:"attachments,omitempty"`
}

type sendAttachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

func (req *sendRequest) outgoing(from model.Address) *mail.OutgoingMessage {
	msg := &mail.OutgoingMessage{
		From:       from,
		To:         req.To,
		Cc:         req.Cc,
		Bcc:        req.Bcc,
		Subject:    req.Subject,
		TextBody:   req.TextBody,
		HTMLBody:   req.HTMLBody,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	}
	for _, att := range req.Attachments {
		msg.Attachments = append(msg.Attachments, mail.OutgoingAttachment{
			Filename: att.Filename,
			MIMEType: att.MIMEType,
			Content:  att.Content,
		})
	}
	return msg
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if len(req.To) == 0 && len(req.Cc) == 0 && len(req.Bcc) == 0 {
		s.writeError(w, r, validationError("at least one recipient is required"))
		return
	}

	id := identityFrom(r)
	from := model.Address{Name: id.User.DisplayName, Address: id.User.Email}

	messageID, err := s.send.Send(r.Context(), accountFrom(r), req.outgoing(from))
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": messageID,
	})
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}

	id := identityFrom(r)
	from := model.Address{Name: id.User.DisplayName, Address: id.User.Email}

	messageID, err := s.send.SaveDraft(r.Context(), accountFrom(r), req.outgoing(from))
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": messageID,
	})
}

type flagRequest struct {
	Read      *bool  `json:"read,omitempty"`
	Starred   *bool  `json:"starred,omitempty"`
	Important *bool  `json:"important,omitempty"`
	Label     string `json:"label,omitempty"`
}

func (s *Server) handleSetRead(w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(w, r, func(ctx context.Context, acct mail.Account, folder string, uid uint32, req flagRequest) error {
		if req.Read == nil {
			return validationError("read is required")
		}
		return s.mail.SetRead(ctx, acct, folder, uid, *req.Read)
	})
}

func (s *Server) handleSetStarred(w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(w, r, func(ctx context.Context, acct mail.Account, folder string, uid uint32, req flagRequest) error {
		if req.Starred == nil {
			return validationError("starred is required")
		}
		return s.mail.SetStarred(ctx, acct, folder, uid, *req.Starred)
	})
}

func (s *Server) handleSetImportant(w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(w, r, func(ctx context.Context, acct mail.Account, folder string, uid uint32, req flagRequest) error {
		if req.Important == nil {
			return validationError("important is required")
		}
		return s.mail.SetImportant(ctx, acct, folder, uid, *req.Important)
	})
}

func (s *Server) handleAddLabel(w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(w, r, func(ctx context.Context, acct mail.Account, folder string, uid uint32, req flagRequest) error {
		if req.Label == "" {
			return validationError("label is required")
		}
		return s.mail.AddLabel(ctx, acct, folder, uid, req.Label)
	})
}

func (s *Server) handleRemoveLabel(w http.ResponseWriter, r *http.Request) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	label := mux.Vars(r)["label"]
	if label == "" {
		s.writeError(w, r, validationError("label is required"))
		return
	}

	if err := s.mail.RemoveLabel(r.Context(), accountFrom(r), folder, uid, label); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleFlagChange(w http.ResponseWriter, r *http.Request, apply func(context.Context, mail.Account, string, uint32, flagRequest) error) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	var req flagRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}

	if err := apply(r.Context(), accountFrom(r), folder, uid, req); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type moveRequest struct {
	TargetFolder string `json:"targetFolder"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.mail.Move)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.mail.Copy)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op func(context.Context, mail.Account, string, uint32, string) error) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.TargetFolder == "" {
		s.writeError(w, r, validationError("targetFolder is required"))
		return
	}

	if err := op(r.Context(), accountFrom(r), folder, uid, req.TargetFolder); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	permanent := r.URL.Query().Get("permanent") == "true"

	if err := s.mail.Delete(r.Context(), accountFrom(r), folder, uid, permanent); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.handleSimpleOp(w, r, s.mail.Archive)
}

func (s *Server) handleMarkSpam(w http.ResponseWriter, r *http.Request) {
	s.handleSimpleOp(w, r, s.mail.MarkSpam)
}

func (s *Server) handleSimpleOp(w http.ResponseWriter, r *http.Request, op func(context.Context, mail.Account, string, uint32) error) {
	folder, uid, err := pathMessage(r)
	if err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if err := op(r.Context(), accountFrom(r), folder, uid); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// batchItem identifies one message in a batch request.
type batchItem struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
}

// batchResult reports per-item outcomes. Succeeded items stay applied
// even when others fail; there is no rollback.
type batchResult struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []batchError `json:"errors,omitempty"`
}

type batchError struct {
	Folder  string `json:"folder"`
	UID     uint32 `json:"uid"`
	Message string `json:"message"`
}

type batchReadRequest struct {
	Items []batchItem `json:"items"`
	Read  bool        `json:"read"`
}

func (s *Server) handleBatchRead(w http.ResponseWriter, r *http.Request) {
	var req batchReadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	s.runBatch(w, r, req.Items, func(ctx context.Context, acct mail.Account, item batchItem) error {
		return s.mail.SetRead(ctx, acct, item.Folder, item.UID, req.Read)
	})
}

type batchStarRequest struct {
	Items   []batchItem `json:"items"`
	Starred bool        `json:"starred"`
}

func (s *Server) handleBatchStar(w http.ResponseWriter, r *http.Request) {
	var req batchStarRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	s.runBatch(w, r, req.Items, func(ctx context.Context, acct mail.Account, item batchItem) error {
		return s.mail.SetStarred(ctx, acct, item.Folder, item.UID, req.Starred)
	})
}

type batchMoveRequest struct {
	Items        []batchItem `json:"items"`
	TargetFolder string      `json:"targetFolder"`
}

func (s *Server) handleBatchMove(w http.ResponseWriter, r *http.Request) {
	var req batchMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.TargetFolder == "" {
		s.writeError(w, r, validationError("targetFolder is required"))
		return
	}
	s.runBatch(w, r, req.Items, func(ctx context.Context, acct mail.Account, item batchItem) error {
		return s.mail.Move(ctx, acct, item.Folder, item.UID, req.TargetFolder)
	})
}

type batchDeleteRequest struct {
	Items     []batchItem `json:"items"`
	Permanent bool        `json:"permanent"`
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	s.runBatch(w, r, req.Items, func(ctx context.Context, acct mail.Account, item batchItem) error {
		return s.mail.Delete(ctx, acct, item.Folder, item.UID, req.Permanent)
	})
}

// runBatch fans out one goroutine per item and collects individual
// outcomes. Best effort: partial failure never rolls back the rest.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, items []batchItem, op func(context.Context, mail.Account, batchItem) error) {
	if len(items) == 0 {
		s.writeError(w, r, validationError("items must not be empty"))
		return
	}
	if len(items) > 100 {
		s.writeError(w, r, validationError("at most 100 items per batch"))
		return
	}
	for _, item := range items {
		if item.Folder == "" || item.UID == 0 {
			s.writeError(w, r, validationError("every item needs a folder and a positive uid"))
			return
		}
	}

	acct := accountFrom(r)
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item batchItem) {
			defer wg.Done()
			errs[i] = op(r.Context(), acct, item)
		}(i, item)
	}
	wg.Wait()

	result := batchResult{}
	for i, err := range errs {
		if err == nil {
			result.Succeeded++
			continue
		}
		result.Failed++
		result.Errors = append(result.Errors, batchError{
			Folder:  items[i].Folder,
			UID:     items[i].UID,
			Message: classifyMail(err).message,
		})
	}
	s.writeJSON(w, http.StatusOK, result)
}
