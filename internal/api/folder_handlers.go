package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// protectedFolders are the conventional system folder names that can
// never be deleted or renamed through the API, regardless of casing.
var protectedFolders = []string{
	"INBOX", "Sent", "Sent Messages", "Sent Items",
	"Drafts", "Trash", "Deleted Items", "Junk", "Spam", "Archive",
}

func isProtectedFolder(path string) bool {
	for _, name := range protectedFolders {
		if strings.EqualFold(path, name) {
			return true
		}
	}
	return false
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.mail.ListMailboxes(r.Context(), accountFrom(r))
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"folders": mailboxes,
	})
}

type createFolderRequest struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.Name == "" {
		s.writeError(w, r, validationError("name is required"))
		return
	}
	if strings.ContainsAny(req.Name, "/\\") {
		s.writeError(w, r, validationError("name must not contain path separators"))
		return
	}

	if err := s.mail.CreateMailbox(r.Context(), accountFrom(r), req.Name, req.Parent); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

type renameFolderRequest struct {
	NewName string `json:"newName"`
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if isProtectedFolder(path) {
		s.writeError(w, r, validationError("system folders cannot be renamed"))
		return
	}

	var req renameFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err))
		return
	}
	if req.NewName == "" {
		s.writeError(w, r, validationError("newName is required"))
		return
	}
	if strings.ContainsAny(req.NewName, "/\\") {
		s.writeError(w, r, validationError("newName must not contain path separators"))
		return
	}

	if err := s.mail.RenameMailbox(r.Context(), accountFrom(r), path, req.NewName); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if isProtectedFolder(path) {
		s.writeError(w, r, validationError("system folders cannot be deleted"))
		return
	}

	if err := s.mail.DeleteMailbox(r.Context(), accountFrom(r), path); err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleFolderStatus(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]

	status, err := s.mail.Status(r.Context(), accountFrom(r), path)
	if err != nil {
		s.writeError(w, r, classifyMail(err))
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
