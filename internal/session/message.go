package session

import (
	"slices"
	"time"
)

type Sender int

const (
	User Sender = iota + 1
	Assistant
)

func (s Sender) String() string {
	switch s {
	case User:
		return "user"
	case Assistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Message is one conversation entry. Entries are never changed once logged.
type Message struct {
	Sender    Sender
	Text      string
	Timestamp time.Time
}

// State is what the console renders.
type State struct {
	Log       []Message
	Pending   bool // a remote request is in flight
	Recording bool // a voice capture is active
	Draft     string
}

func (s State) clone() State {
	s.Log = slices.Clone(s.Log)
	return s
}

// Last returns the newest log entry, if any.
func (s State) Last() (Message, bool) {
	if len(s.Log) == 0 {
		return Message{}, false
	}
	return s.Log[len(s.Log)-1], true
}
