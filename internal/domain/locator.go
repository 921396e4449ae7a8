package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Locator designates a version of an entity. The variants are closed; a
// resolver switches on the concrete type.
type Locator interface {
	locator()
	String() string
}

// VersionLocator designates an explicit version number. Fractional numbers
// are floored.
type VersionLocator struct {
	Number float64
}

// TimeLocator designates the latest version created at or before At.
type TimeLocator struct {
	At time.Time
}

// TagLocator designates a named version such as "initial" or "latest".
type TagLocator struct {
	Name string
}

// EntryLocator designates the version carried by an entry.
type EntryLocator struct {
	Entry JournalEntry
}

// EntryIDLocator designates the version of the entry with the given id.
type EntryIDLocator struct {
	ID uuid.UUID
}

// RawLocator is unparsed caller text. It is only ever looked up as a tag.
type RawLocator struct {
	Text string
}

func (VersionLocator) locator() {}
func (TimeLocator) locator()    {}
func (TagLocator) locator()     {}
func (EntryLocator) locator()   {}
func (EntryIDLocator) locator() {}
func (RawLocator) locator()     {}

func (l VersionLocator) String() string { return fmt.Sprintf("version %v", l.Number) }
func (l TimeLocator) String() string    { return "at " + l.At.UTC().Format(time.RFC3339Nano) }
func (l TagLocator) String() string     { return "tag " + l.Name }
func (l EntryLocator) String() string   { return "entry " + l.Entry.ID.String() }
func (l EntryIDLocator) String() string { return "entry " + l.ID.String() }
func (l RawLocator) String() string     { return fmt.Sprintf("%q", l.Text) }

// Well-known tags every entity resolves.
const (
	TagInitial = "initial"
	TagLatest  = "latest"
)

// Version returns a VersionLocator for n.
func Version(n int64) Locator { return VersionLocator{Number: float64(n)} }

// LocatorSpec is the typed wire form of a locator. Exactly one field may be
// set.
type LocatorSpec struct {
	Version *float64   `json:"version,omitempty"`
	At      *time.Time `json:"at,omitempty"`
	Tag     string     `json:"tag,omitempty"`
	Entry   *uuid.UUID `json:"entry,omitempty"`
	Raw     *string    `json:"raw,omitempty"`
}

// Locator converts the wire form into a Locator.
func (s LocatorSpec) Locator() (Locator, error) {
	var found []Locator
	if s.Version != nil {
		found = append(found, VersionLocator{Number: *s.Version})
	}
	if s.At != nil {
		found = append(found, TimeLocator{At: *s.At})
	}
	if strings.TrimSpace(s.Tag) != "" {
		found = append(found, TagLocator{Name: strings.TrimSpace(s.Tag)})
	}
	if s.Entry != nil {
		found = append(found, EntryIDLocator{ID: *s.Entry})
	}
	if s.Raw != nil {
		found = append(found, RawLocator{Text: *s.Raw})
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: locator is empty", ErrValidation)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: locator must set exactly one of version, at, tag, entry, raw", ErrValidation)
	}
}

// UnmarshalLocator decodes a JSON locator. A bare JSON string is treated as
// raw text, never as a number.
func UnmarshalLocator(data []byte) (Locator, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("%w: decode locator: %v", ErrValidation, err)
		}
		return RawLocator{Text: text}, nil
	}
	var spec LocatorSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: decode locator: %v", ErrValidation, err)
	}
	return spec.Locator()
}
