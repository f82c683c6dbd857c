package mail

import (
	"sort"
	"strings"

	"github.com/tidemail/tidemail/internal/model"
)

// subjectPrefixes are the reply/forward markers stripped when deriving
// a thread's base subject.
var subjectPrefixes = []string{"re:", "fwd:", "fw:"}

// BaseSubject strips any number of leading reply/forward prefixes,
// case-insensitively, and trims surrounding whitespace.
func BaseSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := false
		lower := strings.ToLower(s)
		for _, prefix := range subjectPrefixes {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

// groupThread filters candidates down to the messages sharing the given
// base subject and sorts them chronologically ascending. Threading is a
// subject heuristic, not a References graph walk: messages whose
// subject line was edited fall out of the thread.
func groupThread(base string, candidates []model.EmailSummary) []model.EmailSummary {
	var thread []model.EmailSummary
	for _, msg := range candidates {
		if BaseSubject(msg.Subject) == base {
			thread = append(thread, msg)
		}
	}
	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].Date.Before(thread[j].Date)
	})
	return thread
}
