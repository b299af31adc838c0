package eventbus

import (
	"fmt"
	"strings"
)

// PatternKind distinguishes how a subscription pattern matches event types.
type PatternKind int

const (
	// PatternExact matches one event type literally.
	PatternExact PatternKind = iota
	// PatternPrefix matches every type under a dot-delimited prefix.
	PatternPrefix
	// PatternAll matches every event.
	PatternAll
)

func (k PatternKind) String() string {
	switch k {
	case PatternExact:
		return "exact"
	case PatternPrefix:
		return "prefix"
	case PatternAll:
		return "all"
	}
	return fmt.Sprintf("PatternKind(%d)", int(k))
}

// Pattern is a subscription pattern parsed once at subscribe time.
//
//	"workflow.started"  exact
//	"*"                 all
//	"device.*"          prefix; matches device.online and device.health.changed,
//	                    not "device" itself
type Pattern struct {
	raw    string
	kind   PatternKind
	prefix string
}

// ParsePattern validates and classifies a subscription pattern. Only the
// shape is checked: the pattern must be non-empty.
func ParsePattern(s string) (Pattern, error) {
	if strings.TrimSpace(s) == "" {
		return Pattern{}, fmt.Errorf("eventbus: pattern is required")
	}
	switch {
	case s == "*":
		return Pattern{raw: s, kind: PatternAll}, nil
	case strings.HasSuffix(s, ".*") && len(s) > 2:
		return Pattern{raw: s, kind: PatternPrefix, prefix: strings.TrimSuffix(s, "*")}, nil
	}
	return Pattern{raw: s, kind: PatternExact}, nil
}

// String returns the pattern as it was subscribed.
func (p Pattern) String() string { return p.raw }

// Kind returns how the pattern matches.
func (p Pattern) Kind() PatternKind { return p.kind }

// Matches reports whether eventType is routed to this pattern.
func (p Pattern) Matches(eventType string) bool {
	switch p.kind {
	case PatternAll:
		return true
	case PatternPrefix:
		return strings.HasPrefix(eventType, p.prefix)
	}
	return eventType == p.raw
}
