package domain

import (
	"fmt"
	"sort"
	"sync"
)

// FormatterTag names how a field value is rendered for display.
type FormatterTag string

const (
	FormatPlaintext        FormatterTag = "plaintext"
	FormatDatetime         FormatterTag = "datetime"
	FormatNamedAssociation FormatterTag = "named_association"
	FormatFraction         FormatterTag = "fraction"
	FormatID               FormatterTag = "id"
)

// ParseFormatterTag validates a textual formatter tag.
func ParseFormatterTag(value string) (FormatterTag, error) {
	switch tag := FormatterTag(value); tag {
	case FormatPlaintext, FormatDatetime, FormatNamedAssociation, FormatFraction, FormatID:
		return tag, nil
	}
	return "", fmt.Errorf("%w: unknown formatter %q", ErrValidation, value)
}

// FormatterRegistry maps (kind, field) to a formatter tag. It is populated at
// configuration time and read by rendering code only.
type FormatterRegistry struct {
	mu     sync.RWMutex
	fields map[EntityKind]map[string]FormatterTag
}

// NewFormatterRegistry returns an empty registry.
func NewFormatterRegistry() *FormatterRegistry {
	return &FormatterRegistry{fields: map[EntityKind]map[string]FormatterTag{}}
}

// Register binds each field of kind to a formatter, merging with earlier
// registrations for the same kind.
func (r *FormatterRegistry) Register(kind EntityKind, fields map[string]FormatterTag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fields[kind] == nil {
		r.fields[kind] = map[string]FormatterTag{}
	}
	for field, tag := range fields {
		r.fields[kind][field] = tag
	}
}

// Lookup returns the formatter registered for the field, if any.
func (r *FormatterRegistry) Lookup(kind EntityKind, field string) (FormatterTag, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.fields[kind][field]
	return tag, ok
}

// Fields lists the registered fields of kind in name order.
func (r *FormatterRegistry) Fields(kind EntityKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fields[kind]))
	for field := range r.fields[kind] {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}
