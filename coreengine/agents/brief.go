package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
)

// Summary is a short description of a document.
type Summary struct {
	DocID string `json:"doc_id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// ContextProvider supplies document context for briefs. The dispatcher
// never reads documents itself.
type ContextProvider interface {
	GetSummary(ctx context.Context, docID string) (Summary, error)
	GetSection(ctx context.Context, docID, sectionID string) (string, error)
}

// BriefBuilder renders a TaskBrief into worker-facing text.
type BriefBuilder struct {
	provider ContextProvider
	// MaxSectionChars truncates each section; zero keeps it whole.
	MaxSectionChars int
}

// NewBriefBuilder creates a BriefBuilder. A nil provider lists document
// references without content.
func NewBriefBuilder(provider ContextProvider) *BriefBuilder {
	return &BriefBuilder{provider: provider, MaxSectionChars: 4000}
}

// Build renders brief. Context lookups that fail are transient.
func (b *BriefBuilder) Build(ctx context.Context, brief TaskBrief) (string, error) {
	var sb strings.Builder

	sb.WriteString("## Task\n")
	sb.WriteString(strings.TrimSpace(brief.Instructions))
	sb.WriteString("\n")

	if len(brief.Feedback) > 0 {
		sb.WriteString("\n## Feedback\n")
		for _, fb := range brief.Feedback {
			fmt.Fprintf(&sb, "- %s\n", fb)
		}
	}

	if len(brief.Context) > 0 {
		sb.WriteString("\n## Context\n")
		for _, ref := range brief.Context {
			text, err := b.resolve(ctx, ref)
			if err != nil {
				return "", recovery.Transient(fmt.Errorf("context %s: %w", ref.DocID, err))
			}
			sb.WriteString(text)
		}
	}

	if len(brief.Inputs) > 0 {
		sb.WriteString("\n## Inputs\n")
		keys := make([]string, 0, len(brief.Inputs))
		for k := range brief.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := json.Marshal(brief.Inputs[k])
			if err != nil {
				return "", recovery.Recoverable(fmt.Errorf("%w: input %s: %v", recovery.ErrInvalidInput, k, err))
			}
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}

	return sb.String(), nil
}

func (b *BriefBuilder) resolve(ctx context.Context, ref DocRef) (string, error) {
	if b.provider == nil {
		if ref.SectionID != "" {
			return fmt.Sprintf("- %s#%s\n", ref.DocID, ref.SectionID), nil
		}
		return fmt.Sprintf("- %s\n", ref.DocID), nil
	}

	if ref.SectionID != "" {
		text, err := b.provider.GetSection(ctx, ref.DocID, ref.SectionID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("### %s#%s\n%s\n", ref.DocID, ref.SectionID, b.clip(text)), nil
	}

	summary, err := b.provider.GetSummary(ctx, ref.DocID)
	if err != nil {
		return "", err
	}
	title := summary.Title
	if title == "" {
		title = ref.DocID
	}
	return fmt.Sprintf("### %s\n%s\n", title, b.clip(summary.Text)), nil
}

func (b *BriefBuilder) clip(s string) string {
	if b.MaxSectionChars <= 0 {
		return s
	}
	return truncate(s, b.MaxSectionChars)
}
