package nlu

import (
	"fmt"
	"strings"
)

// Channel is the remote endpoint an utterance is sent to.
type Channel int

const (
	Command Channel = iota + 1
	Chat
)

func (c Channel) String() string {
	switch c {
	case Command:
		return "command"
	case Chat:
		return "chat"
	default:
		return "unknown"
	}
}

// Kind tells whether a decision is answered locally or remotely.
type Kind int

const (
	Local Kind = iota + 1
	Remote
)

// Decision is the outcome of classifying one utterance.
type Decision struct {
	Kind    Kind
	Reply   string  // Local only
	Pattern string  // id of the small-talk pattern that matched, Local only
	Channel Channel // Remote only
}

// Router classifies utterances into local small-talk, automation commands and
// free chat.
//
// Automation phrases are matched by exact membership only: a command
// utterance makes the backend act on the user's desktop, so a near miss must
// fall through to chat rather than trigger it.
type Router struct {
	phrases   map[string]struct{}
	patterns  []Pattern
	responder *Responder
}

func NewRouter(phrases []string, patterns []Pattern, data TemplateData) (*Router, error) {
	responder, err := NewResponder(patterns, data)
	if err != nil {
		return nil, err
	}

	r := &Router{
		phrases:   make(map[string]struct{}, len(phrases)),
		patterns:  make([]Pattern, 0, len(patterns)),
		responder: responder,
	}

	for _, p := range phrases {
		n := Normalize(p)
		if n == "" {
			return nil, fmt.Errorf("empty automation phrase")
		}
		r.phrases[n] = struct{}{}
	}

	for _, p := range patterns {
		p.Phrase = Normalize(p.Phrase)
		r.patterns = append(r.patterns, p)
	}

	return r, nil
}

// Classify never fails: anything unmatched goes to chat.
func (r *Router) Classify(utterance string) Decision {
	n := Normalize(utterance)

	if _, ok := r.phrases[n]; ok {
		return Decision{Kind: Remote, Channel: Command}
	}

	for _, p := range r.patterns {
		if p.matches(n) {
			return Decision{
				Kind:    Local,
				Reply:   r.responder.Respond(p.ID),
				Pattern: p.ID,
			}
		}
	}

	return Decision{Kind: Remote, Channel: Chat}
}

// Normalize is the comparison form of an utterance: trimmed, lowercased, inner
// whitespace collapsed.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
