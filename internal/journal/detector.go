// Package journal implements change journaling for versioned entities: change
// detection, the per-entity journal store, the write coordinator with its
// skip/merge/append windows, version resolution and reversion.
package journal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/journaled/internal/domain"
)

// DefaultExcludedFields are bookkeeping attributes never journaled.
var DefaultExcludedFields = []string{"id", "lock_version", "created_at", "updated_at"}

// KeyFunc extracts the comparison key of a collection item.
type KeyFunc func(item any) (string, bool)

// ValueFunc extracts the comparable scalar of a collection item.
type ValueFunc func(item any) any

// RestoreFunc writes value back under key, returning the new item list. A
// blank value removes the item.
type RestoreFunc func(items []any, key string, value any) []any

// CollectionExtractor describes how one named collection is diffed. Changes
// are keyed as Name+key.
type CollectionExtractor struct {
	Name    string
	Key     KeyFunc
	Value   ValueFunc
	Restore RestoreFunc
}

// KeyValueExtractor diffs a collection of map items, keyed by keyField and
// compared on valueField. Custom field values are the typical use.
func KeyValueExtractor(name, keyField, valueField string) CollectionExtractor {
	keyOf := func(item any) (string, bool) {
		m, ok := item.(map[string]any)
		if !ok {
			return "", false
		}
		key, ok := m[keyField]
		if !ok || key == nil {
			return "", false
		}
		return fmt.Sprint(key), true
	}
	return CollectionExtractor{
		Name: name,
		Key:  keyOf,
		Value: func(item any) any {
			if m, ok := item.(map[string]any); ok {
				return m[valueField]
			}
			return nil
		},
		Restore: func(items []any, key string, value any) []any {
			out := make([]any, 0, len(items)+1)
			found := false
			for _, item := range items {
				k, ok := keyOf(item)
				if !ok || k != key {
					out = append(out, item)
					continue
				}
				found = true
				if domain.IsBlank(value) {
					continue
				}
				updated := map[string]any{}
				for field, v := range item.(map[string]any) {
					updated[field] = v
				}
				updated[valueField] = value
				out = append(out, updated)
			}
			if !found && !domain.IsBlank(value) {
				out = append(out, map[string]any{keyField: key, valueField: value})
			}
			return out
		},
	}
}

// SetExtractor diffs a collection of scalars such as tags. Each distinct
// item is its own key and the value records membership.
func SetExtractor(name string) CollectionExtractor {
	return CollectionExtractor{
		Name: name,
		Key: func(item any) (string, bool) {
			if domain.IsBlank(item) {
				return "", false
			}
			return fmt.Sprint(item), true
		},
		Value: func(item any) any { return true },
		Restore: func(items []any, key string, value any) []any {
			out := make([]any, 0, len(items)+1)
			present := false
			for _, item := range items {
				if fmt.Sprint(item) == key {
					present = true
					if domain.IsBlank(value) {
						continue
					}
				}
				out = append(out, item)
			}
			if !present && !domain.IsBlank(value) {
				out = append(out, key)
			}
			return out
		},
	}
}

// DiffCollection compares two item lists by key and returns one change per
// key whose value was added, removed or changed, keyed as name+key.
func DiffCollection(name string, before, after []any, keyOf KeyFunc, valueOf ValueFunc) domain.Changeset {
	var order []string
	seen := map[string]struct{}{}
	index := func(items []any) map[string]any {
		out := map[string]any{}
		for _, item := range items {
			key, ok := keyOf(item)
			if !ok {
				continue
			}
			out[key] = valueOf(item)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				order = append(order, key)
			}
		}
		return out
	}
	oldValues := index(before)
	newValues := index(after)

	var cs domain.Changeset
	for _, key := range order {
		cs.Set(name+key, oldValues[key], newValues[key])
	}
	return cs
}

// Detector computes changesets between two snapshots of an entity.
type Detector struct {
	excluded    map[string]struct{}
	collections []CollectionExtractor
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithExcludedFields replaces the default excluded attribute names.
func WithExcludedFields(fields ...string) DetectorOption {
	return func(d *Detector) {
		d.excluded = map[string]struct{}{}
		for _, field := range fields {
			d.excluded[strings.TrimSpace(field)] = struct{}{}
		}
	}
}

// WithCollection registers a collection extractor.
func WithCollection(extractor CollectionExtractor) DetectorOption {
	return func(d *Detector) {
		d.collections = append(d.collections, extractor)
	}
}

// NewDetector builds a detector that ignores DefaultExcludedFields unless
// told otherwise. Collections without an extractor are not journaled.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{}
	WithExcludedFields(DefaultExcludedFields...)(d)
	for _, opt := range opts {
		opt(d)
	}
	// longest names first so SplitField prefers the most specific collection
	sort.SliceStable(d.collections, func(i, j int) bool {
		return len(d.collections[i].Name) > len(d.collections[j].Name)
	})
	return d
}

// Excluded reports whether an attribute is never journaled.
func (d *Detector) Excluded(field string) bool {
	_, ok := d.excluded[field]
	return ok
}

// Diff returns the changes from before to after. Attributes come first in
// name order, followed by collection changes grouped by collection name. A
// collection key that spells the name of an attribute present on either side
// is not recorded.
func (d *Detector) Diff(before, after domain.EntitySnapshot) domain.Changeset {
	keys := map[string]struct{}{}
	for key := range before.Attributes {
		keys[key] = struct{}{}
	}
	for key := range after.Attributes {
		keys[key] = struct{}{}
	}
	fields := make([]string, 0, len(keys))
	for key := range keys {
		if !d.Excluded(key) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)

	var cs domain.Changeset
	for _, field := range fields {
		cs.Set(field, before.Attributes[field], after.Attributes[field])
	}

	for _, extractor := range d.byName() {
		fragment := DiffCollection(
			extractor.Name,
			before.Collections[extractor.Name],
			after.Collections[extractor.Name],
			extractor.Key,
			extractor.Value,
		)
		for _, change := range fragment.Changes() {
			// an attribute owns its name even when a collection key spells it
			if _, taken := keys[change.Field]; taken {
				continue
			}
			cs.Set(change.Field, change.Old, change.New)
		}
	}
	return cs
}

// SplitField maps a changeset field back to its collection and item key.
func (d *Detector) SplitField(field string) (collection, key string, ok bool) {
	for _, extractor := range d.collections {
		if strings.HasPrefix(field, extractor.Name) && len(field) > len(extractor.Name) {
			return extractor.Name, strings.TrimPrefix(field, extractor.Name), true
		}
	}
	return "", "", false
}

// Apply writes field values onto a copy of the entity. A field naming an
// attribute the entity holds is always that attribute. Otherwise collection
// fields are restored through their extractor and every other field is an
// attribute. A nil attribute value removes it.
func (d *Detector) Apply(entity domain.VersionedEntity, values domain.Changeset) domain.VersionedEntity {
	out := entity.Clone()
	for _, change := range values.Changes() {
		if _, isAttribute := out.Attributes[change.Field]; isAttribute {
			applyAttribute(out, change)
			continue
		}
		if name, key, ok := d.SplitField(change.Field); ok {
			extractor := d.extractor(name)
			if extractor.Restore != nil {
				out.Collections[name] = extractor.Restore(out.Collections[name], key, change.New)
				continue
			}
		}
		applyAttribute(out, change)
	}
	return out
}

func applyAttribute(out domain.VersionedEntity, change domain.FieldChange) {
	if change.New == nil {
		delete(out.Attributes, change.Field)
		return
	}
	out.Attributes[change.Field] = change.New
}

func (d *Detector) extractor(name string) CollectionExtractor {
	for _, extractor := range d.collections {
		if extractor.Name == name {
			return extractor
		}
	}
	return CollectionExtractor{}
}

func (d *Detector) byName() []CollectionExtractor {
	out := make([]CollectionExtractor, len(d.collections))
	copy(out, d.collections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
