package nats

import (
	"strings"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// Key segments are already path-escaped, so "." is the only character
// left that NATS would read as a token separator.
const escapedDot = "%2E"

// Subject maps an event key to a NATS subject: "/" becomes ".".
func Subject(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = strings.ReplaceAll(s, ".", escapedDot)
	}
	return strings.Join(segments, ".")
}

// Key maps a NATS subject back to an event key.
func Key(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, t := range tokens {
		tokens[i] = strings.ReplaceAll(t, escapedDot, ".")
	}
	return strings.Join(tokens, "/")
}

// Subjects maps a pattern to the NATS subjects that cover it.
// A trailing "**" matches zero or more segments while NATS ">" needs at
// least one token, so such patterns subscribe to the prefix as well.
func Subjects(pattern string) []string {
	segments := strings.Split(pattern, "/")
	last := len(segments) - 1
	if segments[last] != bus.MultiWildcard {
		return []string{Subject(pattern)}
	}

	if last == 0 {
		return []string{">"}
	}
	prefix := Subject(strings.Join(segments[:last], "/"))
	return []string{prefix, prefix + ".>"}
}
