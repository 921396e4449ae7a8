package journal

import "github.com/rpattn/journaled/internal/domain"

// Predicate inspects the entity state a mutation would produce.
type Predicate func(entity domain.VersionedEntity) bool

// Gate decides whether journaling applies to a mutation. It allows a
// mutation only when every must-hold predicate is true and no must-not-hold
// predicate is. A nil Gate allows everything.
type Gate struct {
	mustHold    []Predicate
	mustNotHold []Predicate
}

// NewGate returns a gate with no predicates.
func NewGate() *Gate {
	return &Gate{}
}

// If adds must-hold predicates.
func (g *Gate) If(predicates ...Predicate) *Gate {
	g.mustHold = append(g.mustHold, predicates...)
	return g
}

// Unless adds must-not-hold predicates.
func (g *Gate) Unless(predicates ...Predicate) *Gate {
	g.mustNotHold = append(g.mustNotHold, predicates...)
	return g
}

// Allows evaluates every predicate against entity.
func (g *Gate) Allows(entity domain.VersionedEntity) bool {
	if g == nil {
		return true
	}
	for _, predicate := range g.mustHold {
		if !predicate(entity) {
			return false
		}
	}
	for _, predicate := range g.mustNotHold {
		if predicate(entity) {
			return false
		}
	}
	return true
}

// AttributeEquals is a predicate matching entities whose attribute equals value.
func AttributeEquals(field string, value any) Predicate {
	return func(entity domain.VersionedEntity) bool {
		current, _ := entity.Attribute(field)
		return domain.ValuesEqual(current, value)
	}
}

// AttributePresent matches entities whose attribute is not blank.
func AttributePresent(field string) Predicate {
	return func(entity domain.VersionedEntity) bool {
		current, _ := entity.Attribute(field)
		return !domain.IsBlank(current)
	}
}
