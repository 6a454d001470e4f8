package domain

import "unique"

// Tag labels an Execution with the kind of work it performs. Tags are interned
// since the same handful of values is repeated on every execution.
type Tag struct {
	h unique.Handle[string]
}

// Well-known tags.
var (
	TagCompilation = NewTag("compilation")
	TagEvaluation  = NewTag("evaluation")
	TagChecking    = NewTag("checking")
	TagGeneration  = NewTag("generation")
)

// NewTag interns name as a Tag.
func NewTag(name string) Tag {
	return Tag{h: unique.Make(name)}
}

// String returns the tag name, or "" for the zero Tag.
func (t Tag) String() string {
	var zero unique.Handle[string]
	if t.h == zero {
		return ""
	}
	return t.h.Value()
}

// IsZero reports whether the tag is unset.
func (t Tag) IsZero() bool {
	var zero unique.Handle[string]
	return t.h == zero
}

// MarshalText implements encoding.TextMarshaler.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*t = Tag{}
		return nil
	}
	*t = NewTag(string(text))
	return nil
}
