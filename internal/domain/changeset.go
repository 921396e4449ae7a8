package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FieldChange is one entry of a changeset: the value of Field moved from Old
// to New. Field is either an attribute name or a synthesized collection key.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Inverse swaps old and new.
func (c FieldChange) Inverse() FieldChange {
	return FieldChange{Field: c.Field, Old: c.New, New: c.Old}
}

// Changeset is an ordered field -> (old, new) mapping. It never holds a
// field whose old and new values are equal. The zero value is empty and
// ready to use.
type Changeset struct {
	changes []FieldChange
	index   map[string]int
}

// NewChangeset builds a changeset, dropping no-op pairs.
func NewChangeset(changes ...FieldChange) Changeset {
	var cs Changeset
	for _, change := range changes {
		cs.Set(change.Field, change.Old, change.New)
	}
	return cs
}

// Set records field as changing from old to new, replacing any previous
// pair for that field. It reports false when the pair is a no-op and was
// therefore not recorded (an existing pair for field is removed).
func (c *Changeset) Set(field string, old, new any) bool {
	if ValuesEqual(old, new) {
		c.Delete(field)
		return false
	}
	if c.index == nil {
		c.index = map[string]int{}
	}
	if i, ok := c.index[field]; ok {
		c.changes[i] = FieldChange{Field: field, Old: old, New: new}
		return true
	}
	c.index[field] = len(c.changes)
	c.changes = append(c.changes, FieldChange{Field: field, Old: old, New: new})
	return true
}

// Delete removes field from the changeset.
func (c *Changeset) Delete(field string) {
	i, ok := c.index[field]
	if !ok {
		return
	}
	c.changes = append(c.changes[:i], c.changes[i+1:]...)
	delete(c.index, field)
	for j := i; j < len(c.changes); j++ {
		c.index[c.changes[j].Field] = j
	}
}

// Get returns the pair recorded for field.
func (c Changeset) Get(field string) (FieldChange, bool) {
	i, ok := c.index[field]
	if !ok {
		return FieldChange{}, false
	}
	return c.changes[i], true
}

// Has reports whether field is touched.
func (c Changeset) Has(field string) bool {
	_, ok := c.index[field]
	return ok
}

// Len returns the number of changed fields.
func (c Changeset) Len() int { return len(c.changes) }

// IsEmpty reports whether nothing changed.
func (c Changeset) IsEmpty() bool { return len(c.changes) == 0 }

// Fields returns the changed field names in insertion order.
func (c Changeset) Fields() []string {
	fields := make([]string, len(c.changes))
	for i, change := range c.changes {
		fields[i] = change.Field
	}
	return fields
}

// Changes returns a copy of the ordered pairs.
func (c Changeset) Changes() []FieldChange {
	out := make([]FieldChange, len(c.changes))
	copy(out, c.changes)
	return out
}

// Clone returns an independent copy.
func (c Changeset) Clone() Changeset {
	return NewChangeset(c.changes...)
}

// Compose folds a later changeset into this one. A field changed by both
// keeps the original old value and takes the later new value; if those end
// up equal the field is dropped. The receiver is left untouched.
func (c Changeset) Compose(later Changeset) Changeset {
	out := c.Clone()
	for _, change := range later.changes {
		if existing, ok := out.Get(change.Field); ok {
			out.Set(change.Field, existing.Old, change.New)
			continue
		}
		out.Set(change.Field, change.Old, change.New)
	}
	return out
}

// Inverse returns the changeset that undoes this one.
func (c Changeset) Inverse() Changeset {
	var out Changeset
	for _, change := range c.changes {
		inverse := change.Inverse()
		out.Set(inverse.Field, inverse.Old, inverse.New)
	}
	return out
}

// MarshalJSON encodes the changeset as an ordered array of pairs.
func (c Changeset) MarshalJSON() ([]byte, error) {
	if c.changes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.changes)
}

// UnmarshalJSON decodes the ordered array form. A JSON object is accepted
// too, for rows written as {"field": [old, new]}; its fields are taken in
// name order.
func (c *Changeset) UnmarshalJSON(data []byte) error {
	*c = Changeset{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '{' {
		var legacy map[string][2]any
		if err := json.Unmarshal(data, &legacy); err != nil {
			return fmt.Errorf("decode changeset object: %w", err)
		}
		fields := make([]string, 0, len(legacy))
		for field := range legacy {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			c.Set(field, legacy[field][0], legacy[field][1])
		}
		return nil
	}
	var changes []FieldChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return fmt.Errorf("decode changeset: %w", err)
	}
	for _, change := range changes {
		c.Set(change.Field, change.Old, change.New)
	}
	return nil
}
