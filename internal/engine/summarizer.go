package engine

import (
	"context"
	"strings"

	"github.com/webrenew/memories/pkg/types"
)

const (
	summaryMaxEvents  = 12
	summaryLineLength = 160
)

// ExtractiveSummarizer builds a checkpoint from the raw conversation turns
// without calling a language model: the most recent turns, clipped and
// prefixed by role. It is the default Summarizer when no provider is
// configured, and the deterministic choice makes compaction testable.
type ExtractiveSummarizer struct{}

// NewExtractiveSummarizer creates an extractive summarizer.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{}
}

// Summarize renders the tail of the event window as "role: content" lines.
func (s *ExtractiveSummarizer) Summarize(ctx context.Context, events []types.SessionEvent) (string, error) {
	if len(events) > summaryMaxEvents {
		events = events[len(events)-summaryMaxEvents:]
	}

	var b strings.Builder
	b.WriteString("Session checkpoint:\n")
	for _, e := range events {
		line := strings.TrimSpace(strings.ReplaceAll(e.Content, "\n", " "))
		if line == "" {
			continue
		}
		if len(line) > summaryLineLength {
			line = line[:summaryLineLength] + "..."
		}
		b.WriteString("- ")
		if e.Role != "" {
			b.WriteString(e.Role)
			b.WriteString(": ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

var _ Summarizer = (*ExtractiveSummarizer)(nil)
