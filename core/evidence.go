package core

import (
	"fmt"
	"strings"
)

// SourceSnippetLimit bounds the text of one source inside a rendered context.
const SourceSnippetLimit = 500

// Source is one piece of evidence with a stable citation index.
type Source struct {
	Index    int            `json:"index"`
	TaskID   string         `json:"task_id,omitempty"`
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Evidence accumulates sources across tasks and retries. Citation indices are
// assigned in append order starting at 1 and never change afterwards.
type Evidence struct {
	Sources []Source `json:"sources,omitempty"`
}

// Append adds a source and returns its citation index. A source whose ID was
// seen before keeps the index it was first given.
func (e *Evidence) Append(s Source) int {
	if s.ID != "" {
		for _, existing := range e.Sources {
			if existing.ID == s.ID {
				return existing.Index
			}
		}
	}
	s.Index = len(e.Sources) + 1
	e.Sources = append(e.Sources, s)
	return s.Index
}

// Len returns the number of sources.
func (e *Evidence) Len() int { return len(e.Sources) }

// Empty reports whether no evidence has been gathered.
func (e *Evidence) Empty() bool { return len(e.Sources) == 0 }

// Context renders the sources as "[Source N] text" blocks.
func (e *Evidence) Context() string {
	parts := make([]string, 0, len(e.Sources))
	for _, s := range e.Sources {
		text := s.Text
		if r := []rune(text); len(r) > SourceSnippetLimit {
			text = string(r[:SourceSnippetLimit])
		}
		parts = append(parts, fmt.Sprintf("[Source %d] %s", s.Index, text))
	}
	return strings.Join(parts, "\n\n")
}

// Clone returns a deep copy.
func (e Evidence) Clone() Evidence {
	out := Evidence{Sources: make([]Source, len(e.Sources))}
	for i, s := range e.Sources {
		s.Metadata = cloneMap(s.Metadata)
		out.Sources[i] = s
	}
	return out
}
