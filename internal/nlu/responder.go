package nlu

import (
	"fmt"
	"strings"
	"text/template"
)

// MatchMode is how a small-talk pattern is compared to an utterance.
type MatchMode int

const (
	Exact MatchMode = iota + 1
	Prefix
	Contains
)

func (m MatchMode) String() string {
	switch m {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	case Contains:
		return "contains"
	default:
		return "unknown"
	}
}

func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "":
		return Exact, nil
	case "prefix":
		return Prefix, nil
	case "contains":
		return Contains, nil
	default:
		return 0, fmt.Errorf("unknown match mode %q", s)
	}
}

// Pattern is one small-talk rule. Reply may be a text/template over
// TemplateData.
type Pattern struct {
	ID     string
	Match  MatchMode
	Phrase string
	Reply  string
}

func (p Pattern) matches(normalized string) bool {
	switch p.Match {
	case Exact:
		return normalized == p.Phrase
	case Prefix:
		return strings.HasPrefix(normalized, p.Phrase)
	case Contains:
		return strings.Contains(normalized, p.Phrase)
	default:
		return false
	}
}

// TemplateData is what reply templates can refer to.
type TemplateData struct {
	Assistant string
}

// Responder maps small-talk pattern ids to canned replies. Templates are
// rendered once, up front, so Respond is a plain lookup.
type Responder struct {
	replies map[string]string
}

func NewResponder(patterns []Pattern, data TemplateData) (*Responder, error) {
	r := &Responder{replies: make(map[string]string, len(patterns))}

	for i, p := range patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern %d: empty id", i)
		}
		if Normalize(p.Phrase) == "" {
			return nil, fmt.Errorf("pattern %q: empty phrase", p.ID)
		}
		if p.Match < Exact || p.Match > Contains {
			return nil, fmt.Errorf("pattern %q: unknown match mode %d", p.ID, p.Match)
		}
		if _, dup := r.replies[p.ID]; dup {
			return nil, fmt.Errorf("pattern %q: duplicate id", p.ID)
		}

		text, err := render(p.Reply, data)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.ID, err)
		}
		r.replies[p.ID] = text
	}

	return r, nil
}

// Respond returns the reply for a pattern id, or "" for an unknown id.
func (r *Responder) Respond(id string) string {
	return r.replies[id]
}

func render(reply string, data TemplateData) (string, error) {
	if !strings.Contains(reply, "{{") {
		return reply, nil
	}

	tmpl, err := template.New("reply").Option("missingkey=error").Parse(reply)
	if err != nil {
		return "", fmt.Errorf("parse reply: %w", err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render reply: %w", err)
	}

	return sb.String(), nil
}
