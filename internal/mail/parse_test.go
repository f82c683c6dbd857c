package mail

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemail/tidemail/internal/model"
)

func composedFixture(t *testing.T) []byte {
	t.Helper()
	raw, _, err := composeMessage(&OutgoingMessage{
		From:       model.Address{Name: "Alice", Address: "alice@example.com"},
		To:         []model.Address{{Address: "bob@example.com"}},
		Subject:    "Re: Planning",
		TextBody:   "plain text body",
		HTMLBody:   "<p>html body</p>",
		InReplyTo:  "prior@example.com",
		References: []string{"root@example.com", "prior@example.com"},
		Attachments: []OutgoingAttachment{
			{Filename: "notes.txt", MIMEType: "text/plain", Content: []byte("attachment payload")},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestParseRawMessage(t *testing.T) {
	parsed := parseRawMessage(composedFixture(t))

	assert.Equal(t, "plain text body", parsed.TextBody)
	assert.Equal(t, "<p>html body</p>", parsed.HTMLBody)
	assert.Equal(t, "prior@example.com", parsed.InReplyTo)
	assert.Equal(t, []string{"root@example.com", "prior@example.com"}, parsed.References)

	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(len("attachment payload")), att.Size)
	assert.False(t, att.Inline)
}

func TestParseRawMessageDegradesOnGarbage(t *testing.T) {
	parsed := parseRawMessage([]byte("not a mime message at all"))

	// Unparseable input still surfaces as readable text.
	assert.NotEmpty(t, parsed.TextBody)
	assert.Empty(t, parsed.Attachments)
}

func TestAttachmentContent(t *testing.T) {
	raw := composedFixture(t)

	content, contentType, err := attachmentContent(raw, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "attachment payload", string(content))
	assert.Contains(t, contentType, "text/plain")
}

func TestAttachmentContentMissing(t *testing.T) {
	_, _, err := attachmentContent(composedFixture(t), "no-such-file.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
