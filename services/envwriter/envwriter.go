// Package envwriter turns a VM tag string such as "CLUSTER_ID:c-1;EXPECTED_WORKERS:2"
// into shell-style KEY=VALUE assignments.
package envwriter

import (
	"fmt"
	"strings"

	"github.com/google/renameio/v2"
)

// DefaultPath is where the compute image sources its environment from.
const DefaultPath = "/allspark/env.sh"

const filePerm = 0o644

const (
	segmentSeparator = ";"
	pairSeparator    = ":"
)

// Assignment is one KEY=VALUE pair, kept in input order.
type Assignment struct {
	Key   string
	Value string
}

// ParseError reports a segment without a key/value separator.
type ParseError struct {
	Index   int
	Segment string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("segment %d %q has no %q separator", e.Index, e.Segment, pairSeparator)
}

// Parse splits tags on ';' and each segment on its first ':'. Keys and values
// are taken verbatim.
func Parse(tags string) ([]Assignment, error) {
	segments := strings.Split(tags, segmentSeparator)
	out := make([]Assignment, 0, len(segments))
	for i, segment := range segments {
		key, value, ok := strings.Cut(segment, pairSeparator)
		if !ok {
			return nil, &ParseError{Index: i, Segment: segment}
		}
		out = append(out, Assignment{Key: key, Value: value})
	}
	return out, nil
}

// Format renders assignments one per line.
func Format(assignments []Assignment) []byte {
	var b strings.Builder
	for _, a := range assignments {
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Write parses tags and atomically replaces the file at path with the
// assignments. The file is only touched once the whole string parsed.
func Write(path, tags string) ([]Assignment, error) {
	assignments, err := Parse(tags)
	if err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if err := renameio.WriteFile(path, Format(assignments), filePerm, renameio.WithStaticPermissions(filePerm)); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return assignments, nil
}
