// Package reply turns whatever the automation backend answered into lines the
// console can show. The backend has no fixed response schema, so nothing here
// may fail: unknown shapes end up as a single diagnostic line.
package reply

import (
	"bytes"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// Canonical lookup order. First present field wins.
var (
	primaryFields = []string{"text", "message", "result", "spoken_response"}
	logFields     = []string{"logs", "steps", "plan"}
)

const unrecognizedPrefix = "Unrecognized response from backend: "

// Reply is a backend payload split into its displayable parts.
type Reply struct {
	Primary string
	Blocked string
	Logs    []string
}

// Empty reports whether nothing displayable was found.
func (r Reply) Empty() bool {
	return r.Primary == "" && r.Blocked == "" && len(r.Logs) == 0
}

// Lines flattens the reply in display order.
func (r Reply) Lines() []string {
	out := make([]string, 0, 2+len(r.Logs))
	if r.Primary != "" {
		out = append(out, r.Primary)
	}
	if r.Blocked != "" {
		out = append(out, r.Blocked)
	}
	return append(out, r.Logs...)
}

// Extract pulls the primary text, the safety-gate note and the log entries
// out of a raw JSON payload.
func Extract(raw []byte) Reply {
	if !gjson.ValidBytes(raw) {
		return Reply{}
	}

	doc := gjson.ParseBytes(raw)
	if doc.Type == gjson.String {
		return Reply{Primary: doc.Str}
	}
	if !doc.IsObject() {
		return Reply{}
	}

	var r Reply
	for _, name := range primaryFields {
		if v := doc.Get(name); present(v) {
			r.Primary = v.String()
			break
		}
	}

	if doc.Get("blocked").Bool() {
		if reason := doc.Get("reason"); present(reason) {
			r.Blocked = "Blocked: " + reason.String()
		}
	}

	for _, name := range logFields {
		v := doc.Get(name)
		if !v.IsArray() {
			continue
		}
		for _, item := range v.Array() {
			r.Logs = append(r.Logs, item.String())
		}
		break
	}

	return r
}

// Normalize returns the payload as ordered display lines. The result is never
// empty.
func Normalize(raw []byte) []string {
	if r := Extract(raw); !r.Empty() {
		return r.Lines()
	}
	return []string{Diagnostic(raw)}
}

// Diagnostic renders a payload that matched no known reply shape.
func Diagnostic(raw []byte) string {
	return unrecognizedPrefix + serialize(raw)
}

func serialize(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return "null"
	case gjson.ValidBytes(trimmed):
		return string(pretty.Ugly(trimmed))
	default:
		return string(trimmed)
	}
}

func present(v gjson.Result) bool {
	return v.Exists() && v.Type != gjson.Null && v.String() != ""
}
