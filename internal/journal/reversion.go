package journal

import (
	"context"
	"fmt"

	"github.com/rpattn/journaled/internal/domain"
)

// Restoration is the outcome of planning a reversion. Changes maps each
// field whose value differs between the two versions to (value at From,
// value at To).
type Restoration struct {
	Entity  domain.EntityRef
	From    int64
	To      int64
	Changes domain.Changeset
}

// IsNoop reports whether applying the restoration changes nothing.
func (r Restoration) IsNoop() bool {
	return r.From == r.To || r.Changes.IsEmpty()
}

// Values returns the restored value of every touched field.
func (r Restoration) Values() map[string]any {
	out := make(map[string]any, r.Changes.Len())
	for _, change := range r.Changes.Changes() {
		out[change.Field] = change.New
	}
	return out
}

// Reverter composes and inverts journal changesets to move an entity between
// versions.
type Reverter struct {
	store    *Store
	detector *Detector
}

// NewReverter builds a reverter reading from store and restoring fields
// through detector.
func NewReverter(store *Store, detector *Detector) *Reverter {
	if detector == nil {
		detector = NewDetector()
	}
	return &Reverter{store: store, detector: detector}
}

// Plan resolves locator and computes the field values that move entity from
// its cached version to the target. Nothing is modified.
func (r *Reverter) Plan(ctx context.Context, entity domain.VersionedEntity, locator domain.Locator) (Restoration, error) {
	target, err := r.store.Resolver().Resolve(ctx, entity.Ref, locator)
	if err != nil {
		return Restoration{}, err
	}
	return r.PlanVersion(ctx, entity.Ref, entity.Version, target)
}

// PlanVersion computes the restoration between two versions. A target the
// journal has no entry for fails with domain.ErrNotFound.
//
// Going backward the entries in (target, current] are composed oldest first
// and inverted, so each field takes the old value of the entry closest to
// the target. Going forward the entries in (current, target] are composed
// and each field takes the new value of the entry closest to the target.
func (r *Reverter) PlanVersion(ctx context.Context, ref domain.EntityRef, current, target int64) (Restoration, error) {
	restoration := Restoration{Entity: ref, From: current, To: target}
	if target == current {
		return restoration, nil
	}
	latest, err := r.store.MaxVersion(ctx, ref)
	if err != nil {
		return Restoration{}, err
	}
	if target < 1 || target > latest {
		return Restoration{}, fmt.Errorf("%w: %s has no version %d (latest is %d)", domain.ErrNotFound, ref, target, latest)
	}

	lo, hi := target+1, current
	if target > current {
		lo, hi = current+1, target
	}
	entries, err := r.store.EntriesBetween(ctx, ref, lo, hi)
	if err != nil {
		return Restoration{}, err
	}

	var composed domain.Changeset
	for _, entry := range entries {
		composed = composed.Compose(entry.Changeset)
	}
	if target < current {
		composed = composed.Inverse()
	}
	restoration.Changes = composed
	return restoration, nil
}

// Apply writes the restoration onto a copy of entity and marks the copy as
// sitting at the target version.
func (r *Reverter) Apply(entity domain.VersionedEntity, restoration Restoration) domain.VersionedEntity {
	out := r.detector.Apply(entity, restoration.Changes)
	out.Version = restoration.To
	return out
}

// SnapshotAt reconstructs entity as it was at the version locator
// designates, without modifying it.
func (r *Reverter) SnapshotAt(ctx context.Context, entity domain.VersionedEntity, locator domain.Locator) (domain.EntitySnapshot, error) {
	restoration, err := r.Plan(ctx, entity, locator)
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	return r.Apply(entity, restoration).Snapshot(), nil
}
