// Package statemachine runs declarative state machines whose transitions
// fire when trigger conditions hold on a periodic scan.
package statemachine

import (
	"sort"
	"strings"
)

type Transition struct {
	Event  string `json:"event"`
	Target string `json:"target"`
}

// Table maps a state to its outgoing transitions in declaration order.
type Table map[string][]Transition

// ParseResult is the outcome of parsing a transition list. Malformed tokens
// do not fail the parse; they are listed in Skipped.
type ParseResult struct {
	Table   Table    `json:"table"`
	Skipped []string `json:"skipped,omitempty"`
}

// ParseTransitions parses "state:event->target[,state:event->target...]".
// Whitespace around names is ignored. Tokens that do not match the grammar,
// and repeats of an already defined state/event pair, are skipped.
func ParseTransitions(text string) ParseResult {
	res := ParseResult{Table: Table{}}

	for _, raw := range strings.Split(text, ",") {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		state, event, target, ok := parseToken(token)
		if !ok {
			res.Skipped = append(res.Skipped, token)
			continue
		}
		if _, exists := res.Table.Next(state, event); exists {
			res.Skipped = append(res.Skipped, token)
			continue
		}
		res.Table[state] = append(res.Table[state], Transition{Event: event, Target: target})
	}
	return res
}

func parseToken(token string) (state, event, target string, ok bool) {
	left, target, found := strings.Cut(token, "->")
	if !found || strings.Contains(target, "->") {
		return "", "", "", false
	}
	state, event, found = strings.Cut(left, ":")
	if !found || strings.Contains(event, ":") || strings.Contains(target, ":") {
		return "", "", "", false
	}

	state = strings.TrimSpace(state)
	event = strings.TrimSpace(event)
	target = strings.TrimSpace(target)
	if !validName(state) || !validName(event) || !validName(target) {
		return "", "", "", false
	}
	return state, event, target, true
}

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

// Next returns the target reached from state on event.
func (t Table) Next(state, event string) (string, bool) {
	for _, tr := range t[state] {
		if tr.Event == event {
			return tr.Target, true
		}
	}
	return "", false
}

// Events lists the events accepted in state.
func (t Table) Events(state string) []string {
	out := make([]string, 0, len(t[state]))
	for _, tr := range t[state] {
		out = append(out, tr.Event)
	}
	return out
}

// States lists every state named as a source or target, sorted.
func (t Table) States() []string {
	seen := make(map[string]bool)
	for state, trs := range t {
		seen[state] = true
		for _, tr := range trs {
			seen[tr.Target] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasEvent reports whether any state accepts event.
func (t Table) HasEvent(event string) bool {
	for _, trs := range t {
		for _, tr := range trs {
			if tr.Event == event {
				return true
			}
		}
	}
	return false
}

func (t Table) hasState(state string) bool {
	for _, s := range t.States() {
		if s == state {
			return true
		}
	}
	return false
}
