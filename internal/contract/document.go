package contract

import (
	"fmt"
	"strings"
	"time"
)

// Document is the artifact assembled from drafting output. Sections are
// only ever appended; Version increases by one per append.
type Document struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Title     string    `json:"title" yaml:"title"`
	Sections  []Section `json:"sections" yaml:"sections"`
	Version   uint64    `json:"version" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (d Document) Clone() Document {
	out := d
	out.Sections = append([]Section(nil), d.Sections...)
	return out
}

// Markdown renders the document as markdown.
func (d Document) Markdown() string {
	var sb strings.Builder
	if d.Title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", d.Title)
	}
	for _, s := range d.Sections {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Content))
	}
	return sb.String()
}
