package bus

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Root is the first segment of every event key.
const Root = "events"

const (
	// SingleWildcard matches exactly one segment.
	SingleWildcard = "*"

	// MultiWildcard matches zero or more trailing segments.
	MultiWildcard = "**"
)

// EventKey returns "events/{type}/{id}".
// Segments are path-escaped so that ids containing "/" stay one segment.
func EventKey(aggregateType, aggregateID string) string {
	return Root + "/" + url.PathEscape(aggregateType) + "/" + url.PathEscape(aggregateID)
}

// SequencedKey returns "events/{type}/{id}/{sequence}".
func SequencedKey(aggregateType, aggregateID string, sequence int64) string {
	return EventKey(aggregateType, aggregateID) + "/" + strconv.FormatInt(sequence, 10)
}

// AllPattern matches every event key.
func AllPattern() string {
	return Root + "/" + MultiWildcard
}

// TypePattern matches every event of one aggregate type.
func TypePattern(aggregateType string) string {
	return Root + "/" + url.PathEscape(aggregateType) + "/" + MultiWildcard
}

// InstancePattern matches every event of one aggregate.
func InstancePattern(aggregateType, aggregateID string) string {
	return EventKey(aggregateType, aggregateID) + "/" + MultiWildcard
}

// KeyParts is a parsed event key.
type KeyParts struct {
	AggregateType string
	AggregateID   string
	Sequence      int64
	HasSequence   bool
}

// ParseKey splits an event key into its parts.
func ParseKey(key string) (KeyParts, error) {
	segments := strings.Split(key, "/")
	if len(segments) < 3 || len(segments) > 4 || segments[0] != Root {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	aggregateType, err := url.PathUnescape(segments[1])
	if err != nil || aggregateType == "" {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	aggregateID, err := url.PathUnescape(segments[2])
	if err != nil || aggregateID == "" {
		return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	parts := KeyParts{AggregateType: aggregateType, AggregateID: aggregateID}
	if len(segments) == 4 {
		seq, err := strconv.ParseInt(segments[3], 10, 64)
		if err != nil {
			return KeyParts{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		parts.Sequence = seq
		parts.HasSequence = true
	}
	return parts, nil
}

// ValidatePattern checks that "**" appears only as the last segment
// and that no segment is empty.
func ValidatePattern(pattern string) error {
	segments := strings.Split(pattern, "/")
	for i, s := range segments {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		}
		if s == MultiWildcard && i != len(segments)-1 {
			return fmt.Errorf("%w: %q must be the last segment in %q", ErrInvalidPattern, MultiWildcard, pattern)
		}
	}
	return nil
}

// Match reports whether key matches pattern. "*" matches exactly one
// segment and a trailing "**" matches zero or more segments.
func Match(pattern, key string) bool {
	ps := strings.Split(pattern, "/")
	ks := strings.Split(key, "/")

	for i, p := range ps {
		if p == MultiWildcard && i == len(ps)-1 {
			return true
		}
		if i >= len(ks) {
			return false
		}
		if p != SingleWildcard && p != ks[i] {
			return false
		}
	}
	return len(ps) == len(ks)
}
