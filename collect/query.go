package collect

import (
	"fmt"
	"strings"
	"time"
)

const gmailDateLayout = "2006/01/02"

// SearchFilter holds the structured criteria composed into a Gmail search
// expression. All fields are optional.
type SearchFilter struct {
	Sender        string
	Subject       string
	After         time.Time
	Before        time.Time
	HasAttachment bool
	Filename      string
}

// DefaultFilter returns a filter restricted to messages with attachments.
func DefaultFilter() SearchFilter {
	return SearchFilter{HasAttachment: true}
}

// Query renders the filter as a Gmail search expression. Clause order is
// fixed (attachment flag, sender, subject, after, before, filename) so the
// same filter always produces the same string.
func (f SearchFilter) Query() string {
	parts := []string{}
	if f.HasAttachment {
		parts = append(parts, "has:attachment")
	}
	if f.Sender != "" {
		parts = append(parts, "from:"+f.Sender)
	}
	if f.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", f.Subject))
	}
	if !f.After.IsZero() {
		parts = append(parts, "after:"+f.After.Format(gmailDateLayout))
	}
	if !f.Before.IsZero() {
		parts = append(parts, "before:"+f.Before.Format(gmailDateLayout))
	}
	if f.Filename != "" {
		parts = append(parts, "filename:"+f.Filename)
	}
	return strings.Join(parts, " ")
}
