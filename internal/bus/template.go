package bus

import "strings"

// Matcher decides whether a behaviour accepts a message.
type Matcher interface {
	Match(m Message) bool
}

// Template is a conjunction of metadata equalities. Empty fields match
// anything.
type Template struct {
	Protocol     Protocol
	Performative Performative
	Thread       string
	Sender       string
}

func (t Template) Match(m Message) bool {
	if t.Protocol != "" && t.Protocol != m.Protocol {
		return false
	}
	if t.Performative != "" && t.Performative != m.Performative {
		return false
	}
	if t.Thread != "" && t.Thread != m.Thread {
		return false
	}
	if t.Sender != "" && t.Sender != m.From {
		return false
	}
	return true
}

func (t Template) String() string {
	parts := []string{}
	if t.Protocol != "" {
		parts = append(parts, "protocol="+string(t.Protocol))
	}
	if t.Performative != "" {
		parts = append(parts, "performative="+string(t.Performative))
	}
	if t.Thread != "" {
		parts = append(parts, "thread="+t.Thread)
	}
	if t.Sender != "" {
		parts = append(parts, "sender="+t.Sender)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

// Or is a disjunction of matchers.
type Or []Matcher

func (o Or) Match(m Message) bool {
	for _, x := range o {
		if x != nil && x.Match(m) {
			return true
		}
	}
	return false
}

// AnyOf composes matchers by disjunction.
func AnyOf(ms ...Matcher) Matcher {
	return Or(ms)
}

// And is a conjunction of matchers.
type And []Matcher

func (a And) Match(m Message) bool {
	for _, x := range a {
		if x != nil && !x.Match(m) {
			return false
		}
	}
	return true
}

// ThreadOf returns the correlation id a matcher pins, if any. The router
// uses it to give RPC listeners priority over general behaviours.
func ThreadOf(m Matcher) string {
	switch t := m.(type) {
	case Template:
		return t.Thread
	case Or:
		for _, x := range t {
			if th := ThreadOf(x); th != "" {
				return th
			}
		}
	case And:
		for _, x := range t {
			if th := ThreadOf(x); th != "" {
				return th
			}
		}
	}
	return ""
}
