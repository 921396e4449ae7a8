package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind tags the type of a journaled entity. Journal entries for every
// kind share one table and are told apart by this value.
type EntityKind string

const (
	KindIssue    EntityKind = "issue"
	KindWikiPage EntityKind = "wiki_page"
	KindNews     EntityKind = "news"
	KindMessage  EntityKind = "message"
	KindProject  EntityKind = "project"
	KindDocument EntityKind = "document"
)

var knownKinds = []EntityKind{KindIssue, KindWikiPage, KindNews, KindMessage, KindProject, KindDocument}

// KnownKinds lists every entity kind the journal accepts.
func KnownKinds() []EntityKind {
	out := make([]EntityKind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// ParseEntityKind validates a textual kind against the known enumeration.
func ParseEntityKind(value string) (EntityKind, error) {
	candidate := EntityKind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range knownKinds {
		if kind == candidate {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, value)
}

// EntityRef identifies the entity a journal entry belongs to.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

// NewEntityRef builds a reference from a kind and id.
func NewEntityRef(kind EntityKind, id uuid.UUID) EntityRef {
	return EntityRef{Kind: kind, ID: id}
}

// String renders the reference as "kind:id".
func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// Validate reports whether the reference names a known kind and a non-nil id.
func (r EntityRef) Validate() error {
	if _, err := ParseEntityKind(string(r.Kind)); err != nil {
		return err
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: entity id is required", ErrValidation)
	}
	return nil
}

// ParseEntityRef parses the "kind:id" form produced by String.
func ParseEntityRef(value string) (EntityRef, error) {
	kindPart, idPart, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return EntityRef{}, fmt.Errorf("%w: entity reference %q must look like kind:id", ErrValidation, value)
	}
	kind, err := ParseEntityKind(kindPart)
	if err != nil {
		return EntityRef{}, err
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return EntityRef{}, fmt.Errorf("%w: invalid entity id: %v", ErrValidation, err)
	}
	return EntityRef{Kind: kind, ID: id}, nil
}

// VersionedEntity is the subject being journaled: scalar attributes plus
// named associated collections (tags, custom values, ...). Version caches
// the latest journal version for the entity, 0 when it has no history.
type VersionedEntity struct {
	Ref         EntityRef        `json:"ref"`
	Attributes  map[string]any   `json:"attributes"`
	Collections map[string][]any `json:"collections"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewVersionedEntity creates a new entity with immutable pattern
func NewVersionedEntity(kind EntityKind, attributes map[string]any) VersionedEntity {
	now := time.Now().UTC()
	return VersionedEntity{
		Ref:         EntityRef{Kind: kind, ID: uuid.New()},
		Attributes:  copyAttributes(attributes),
		Collections: map[string][]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so mutations on the copy never leak back.
func (e VersionedEntity) Clone() VersionedEntity {
	out := e
	out.Attributes = copyAttributes(e.Attributes)
	out.Collections = copyCollections(e.Collections)
	return out
}

// WithAttribute returns a new entity with an added/updated attribute
func (e VersionedEntity) WithAttribute(key string, value any) VersionedEntity {
	out := e.Clone()
	out.Attributes[key] = value
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithoutAttribute returns a new entity without the specified attribute
func (e VersionedEntity) WithoutAttribute(key string) VersionedEntity {
	out := e.Clone()
	delete(out.Attributes, key)
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithAttributes returns a new entity with every given attribute set.
func (e VersionedEntity) WithAttributes(attributes map[string]any) VersionedEntity {
	out := e.Clone()
	for key, value := range attributes {
		out.Attributes[key] = value
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// WithCollection returns a new entity whose named collection is replaced.
func (e VersionedEntity) WithCollection(name string, items []any) VersionedEntity {
	out := e.Clone()
	out.Collections[name] = copyItems(items)
	out.UpdatedAt = time.Now().UTC()
	return out
}

// Attribute returns the attribute value and whether it is present.
func (e VersionedEntity) Attribute(key string) (any, bool) {
	value, ok := e.Attributes[key]
	return value, ok
}

// Snapshot captures the state the change detector compares.
func (e VersionedEntity) Snapshot() EntitySnapshot {
	return NewEntitySnapshot(e)
}

// AttributesJSON encodes attributes for storage.
func (e VersionedEntity) AttributesJSON() (json.RawMessage, error) {
	if e.Attributes == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(e.Attributes)
}

// CollectionsJSON encodes collections for storage.
func (e VersionedEntity) CollectionsJSON() (json.RawMessage, error) {
	if e.Collections == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(e.Collections)
}

// DecodeAttributes creates an attribute map from stored JSON.
func DecodeAttributes(raw []byte) (map[string]any, error) {
	attributes := map[string]any{}
	if len(raw) == 0 {
		return attributes, nil
	}
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return nil, err
	}
	if attributes == nil {
		attributes = map[string]any{}
	}
	return attributes, nil
}

// DecodeCollections creates a collection map from stored JSON.
func DecodeCollections(raw []byte) (map[string][]any, error) {
	collections := map[string][]any{}
	if len(raw) == 0 {
		return collections, nil
	}
	if err := json.Unmarshal(raw, &collections); err != nil {
		return nil, err
	}
	if collections == nil {
		collections = map[string][]any{}
	}
	return collections, nil
}

func copyAttributes(attributes map[string]any) map[string]any {
	out := make(map[string]any, len(attributes))
	for key, value := range attributes {
		out[key] = cloneValue(value)
	}
	return out
}

func copyCollections(collections map[string][]any) map[string][]any {
	out := make(map[string][]any, len(collections))
	for name, items := range collections {
		out[name] = copyItems(items)
	}
	return out
}

func copyItems(items []any) []any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = cloneValue(item)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return copyAttributes(typed)
	case []any:
		return copyItems(typed)
	default:
		return value
	}
}
