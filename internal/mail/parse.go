package mail

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/tidemail/tidemail/internal/model"
)

// parsedBody holds the outcome of parsing one raw RFC 5322 message.
type parsedBody struct {
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Headers     map[string]string
	Attachments []model.Attachment
}

// headersOfInterest are copied into the message payload verbatim.
var headersOfInterest = []string{
	"Message-Id",
	"In-Reply-To",
	"References",
	"Reply-To",
	"List-Unsubscribe",
	"Return-Path",
	"Delivered-To",
}

// parseRawMessage parses a raw message body using go-message and
// extracts the text/plain body, text/html body, threading headers, and
// attachment metadata. A message that fails MIME parsing degrades to
// plain text rather than erroring: a malformed message should still be
// readable.
func parseRawMessage(raw []byte) parsedBody {
	out := parsedBody{Headers: make(map[string]string)}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		out.TextBody = string(raw)
		return out
	}
	defer mr.Close()

	for _, key := range headersOfInterest {
		if v := mr.Header.Get(key); v != "" {
			out.Headers[key] = v
		}
	}
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		out.References = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && out.TextBody == "":
				out.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && out.HTMLBody == "":
				out.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read to get the size without keeping the content.
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			att := model.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     int64(len(body)),
			}
			if cid := h.Get("Content-Id"); cid != "" {
				att.ContentID = strings.Trim(cid, "<>")
				att.Inline = true
			}
			out.Attachments = append(out.Attachments, att)
		}
	}

	return out
}

// attachmentContent re-parses a raw message and returns the content of
// the attachment matching filename.
func attachmentContent(raw []byte, filename string) ([]byte, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		name, _ := h.Filename()
		if name != filename {
			continue
		}

		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, "", err
		}
		return body, contentType, nil
	}

	return nil, "", ErrNotFound
}
