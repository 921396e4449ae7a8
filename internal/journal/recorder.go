package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/journaled/internal/domain"
)

// Mode is the journaling behavior a Recorder applies to saves.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSkip
	ModeMerge
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeSkip:
		return "skip"
	case ModeMerge:
		return "merge"
	case ModeAppend:
		return "append"
	default:
		return "normal"
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return ModeNormal, nil
	case "skip":
		return ModeSkip, nil
	case "merge":
		return ModeMerge, nil
	case "append":
		return ModeAppend, nil
	}
	return ModeNormal, fmt.Errorf("%w: unknown journal mode %q", domain.ErrValidation, value)
}

// Disposition reports what a save did to the journal.
type Disposition string

const (
	DispositionCreated    Disposition = "created"
	DispositionAmended    Disposition = "amended"
	DispositionDeferred   Disposition = "deferred"
	DispositionSkipped    Disposition = "skipped"
	DispositionSuppressed Disposition = "suppressed"
)

// Suppression reasons.
const (
	ReasonGate  = "gate"
	ReasonEmpty = "empty"
	ReasonNoop  = "noop"
)

// MutateFunc edits a copy of the entity. Ref and Version changes are ignored.
type MutateFunc func(entity domain.VersionedEntity) (domain.VersionedEntity, error)

// Mutation is one host edit plus the notes to record with it.
type Mutation struct {
	Notes string
	Apply MutateFunc
}

// SetAttributes returns a mutation function assigning attrs. A nil value
// removes the attribute.
func SetAttributes(attrs map[string]any) MutateFunc {
	return func(entity domain.VersionedEntity) (domain.VersionedEntity, error) {
		for key, value := range attrs {
			if value == nil {
				entity = entity.WithoutAttribute(key)
				continue
			}
			entity = entity.WithAttribute(key, value)
		}
		return entity, nil
	}
}

// SetCollection returns a mutation function replacing a whole collection.
func SetCollection(name string, items []any) MutateFunc {
	return func(entity domain.VersionedEntity) (domain.VersionedEntity, error) {
		return entity.WithCollection(name, items), nil
	}
}

// Result describes the outcome of a save.
type Result struct {
	Disposition Disposition
	Reason      string
	Entry       *domain.JournalEntry
	Entity      domain.VersionedEntity
}

type batch struct {
	mutations []MutateFunc
	notes     string
}

// Recorder is the write coordinator for one entity instance. It is safe for
// concurrent use; commits from the same recorder are serialized.
type Recorder struct {
	engine  *Engine
	profile Profile

	commitMu sync.Mutex

	mu        sync.Mutex
	mode      Mode
	batch     *batch
	persisted domain.VersionedEntity
	working   domain.VersionedEntity
	staged    []MutateFunc
}

func newRecorder(engine *Engine, entity domain.VersionedEntity) *Recorder {
	return &Recorder{
		engine:    engine,
		profile:   engine.Profile(entity.Ref.Kind),
		persisted: entity.Clone(),
		working:   entity.Clone(),
	}
}

// Ref identifies the tracked entity.
func (r *Recorder) Ref() domain.EntityRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persisted.Ref
}

// Entity returns a copy of the in-memory state including unsaved edits.
func (r *Recorder) Entity() domain.VersionedEntity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.working.Clone()
}

// Version returns the cached version of the in-memory state.
func (r *Recorder) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.working.Version
}

// Mode returns the active journaling mode.
func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// RefreshVersion recomputes the cached version from the journal store.
func (r *Recorder) RefreshVersion(ctx context.Context) (int64, error) {
	version, err := r.engine.journal.MaxVersion(ctx, r.Ref())
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted.Version = version
	r.working.Version = version
	return version, nil
}

// Reverted reports whether the in-memory state sits at a version other than
// the latest recorded one.
func (r *Recorder) Reverted(ctx context.Context) (bool, error) {
	latest, err := r.engine.journal.MaxVersion(ctx, r.Ref())
	if err != nil {
		return false, err
	}
	return r.Version() != latest, nil
}

// Save applies a mutation. In normal mode it commits the entity and, when
// allowed and something changed, a new journal entry. In skip mode it commits
// without journaling. In merge and append windows it buffers the mutation
// until the window closes.
func (r *Recorder) Save(ctx context.Context, actor domain.Actor, m Mutation) (Result, error) {
	r.mu.Lock()
	mode := r.mode
	if mode == ModeMerge || mode == ModeAppend {
		defer r.mu.Unlock()
		next, err := applyMutation(r.working, m.Apply)
		if err != nil {
			return Result{}, err
		}
		r.working = next
		r.batch.mutations = append(r.batch.mutations, m.Apply)
		if !domain.IsBlank(m.Notes) {
			r.batch.notes = m.Notes
		}
		return Result{Disposition: DispositionDeferred, Entity: next.Clone()}, nil
	}
	r.mu.Unlock()

	if mode == ModeSkip {
		return r.commitSkip(ctx, m.Apply)
	}
	return r.commit(ctx, actor, ModeNormal, []MutateFunc{m.Apply}, m.Notes)
}

// Skip runs block with journaling disabled. Saves inside block persist the
// entity but record nothing.
func (r *Recorder) Skip(ctx context.Context, block func(ctx context.Context) error) error {
	_, err := r.window(ctx, ModeSkip, domain.Anonymous(), block)
	return err
}

// Merge runs block and records every save made inside it as one new entry.
func (r *Recorder) Merge(ctx context.Context, actor domain.Actor, block func(ctx context.Context) error) (Result, error) {
	return r.window(ctx, ModeMerge, actor, block)
}

// Append runs block and folds every save made inside it into the latest
// existing entry instead of creating a new one.
func (r *Recorder) Append(ctx context.Context, actor domain.Actor, block func(ctx context.Context) error) (Result, error) {
	return r.window(ctx, ModeAppend, actor, block)
}

// Revert moves the in-memory state to the version locator designates. The
// change is persisted, with a new entry, by the next Save.
func (r *Recorder) Revert(ctx context.Context, locator domain.Locator) (Restoration, error) {
	r.mu.Lock()
	if r.mode != ModeNormal {
		mode := r.mode
		r.mu.Unlock()
		return Restoration{}, fmt.Errorf("%w: cannot revert inside a %s window", domain.ErrBatchState, mode)
	}
	entity := r.working.Clone()
	r.mu.Unlock()

	reverter := NewReverter(r.engine.journal, r.profile.detector())
	restoration, err := reverter.Plan(ctx, entity, locator)
	if err != nil {
		return Restoration{}, err
	}
	if restoration.From == restoration.To {
		return restoration, nil
	}

	changes := restoration.Changes
	r.mu.Lock()
	r.working = reverter.Apply(r.working, restoration)
	r.staged = append(r.staged, func(e domain.VersionedEntity) (domain.VersionedEntity, error) {
		return r.profile.detector().Apply(e, changes), nil
	})
	r.mu.Unlock()

	direction := "backward"
	if restoration.To > restoration.From {
		direction = "forward"
	}
	r.engine.metrics.reverted(string(entity.Ref.Kind), direction)
	r.engine.logger.InfoContext(ctx, "entity reverted",
		"entity", entity.Ref.String(),
		"from", restoration.From,
		"to", restoration.To,
		"fields", restoration.Changes.Len(),
	)
	return restoration, nil
}

// RevertAndSave reverts and persists in one step. A reversion that changes
// nothing performs no write and resets the cached version to the latest
// recorded one.
func (r *Recorder) RevertAndSave(ctx context.Context, actor domain.Actor, locator domain.Locator, notes string) (Result, error) {
	restoration, err := r.Revert(ctx, locator)
	if err != nil {
		return Result{}, err
	}
	if restoration.IsNoop() {
		if _, err := r.RefreshVersion(ctx); err != nil {
			return Result{}, err
		}
		r.mu.Lock()
		entity := r.working.Clone()
		r.mu.Unlock()
		return Result{Disposition: DispositionSuppressed, Reason: ReasonNoop, Entity: entity}, nil
	}
	return r.commit(ctx, actor, ModeNormal, nil, notes)
}

func (r *Recorder) window(ctx context.Context, mode Mode, actor domain.Actor, block func(ctx context.Context) error) (Result, error) {
	r.mu.Lock()
	if r.mode != ModeNormal {
		active, ref := r.mode, r.persisted.Ref
		r.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s window already open on %s", domain.ErrBatchState, active, ref)
	}
	r.mode = mode
	if mode == ModeMerge || mode == ModeAppend {
		r.batch = &batch{}
	}
	r.mu.Unlock()

	committed := false
	defer func() {
		r.release(committed)
	}()

	if err := block(ctx); err != nil {
		return Result{}, err
	}
	if mode == ModeSkip {
		committed = true
		return Result{Disposition: DispositionSkipped, Entity: r.Entity()}, nil
	}

	r.mu.Lock()
	b := r.batch
	r.mu.Unlock()
	if len(b.mutations) == 0 && domain.IsBlank(b.notes) {
		committed = true
		return Result{Disposition: DispositionSuppressed, Reason: ReasonEmpty, Entity: r.Entity()}, nil
	}

	result, err := r.commit(ctx, actor, mode, b.mutations, b.notes)
	if err != nil {
		return Result{}, err
	}
	committed = true
	return result, nil
}

// release leaves the active window. Uncommitted buffered edits are dropped.
func (r *Recorder) release(committed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = ModeNormal
	r.batch = nil
	if !committed {
		r.working = r.persisted.Clone()
		r.staged = nil
	}
}

func (r *Recorder) discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.working = r.persisted.Clone()
	r.staged = nil
}

func (r *Recorder) accept(entity domain.VersionedEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = entity.Clone()
	r.working = entity.Clone()
	r.staged = nil
}

func (r *Recorder) pending(muts []MutateFunc) (domain.VersionedEntity, []MutateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]MutateFunc, 0, len(r.staged)+len(muts))
	all = append(all, r.staged...)
	all = append(all, muts...)
	return r.persisted.Clone(), all
}

// commit replays muts on the persisted state and records the result,
// reloading and replaying on version conflicts.
func (r *Recorder) commit(ctx context.Context, actor domain.Actor, mode Mode, muts []MutateFunc, notes string) (Result, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	start := time.Now()
	defer r.engine.metrics.ObserveCommit(start)

	base, all := r.pending(muts)
	kind := string(base.Ref.Kind)
	for attempt := 0; ; attempt++ {
		result, err := r.commitOnce(ctx, actor, mode, base, all, notes)
		if err == nil {
			r.accept(result.Entity)
			r.engine.afterCommit(ctx, result)
			return result, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			r.discard()
			return Result{}, err
		}

		r.engine.metrics.conflict(kind)
		if attempt >= r.engine.maxRetries {
			r.engine.metrics.exhausted(kind)
			r.engine.logger.ErrorContext(ctx, "journal version conflict not resolved",
				"entity", base.Ref.String(),
				"attempts", attempt+1,
			)
			r.discard()
			return Result{}, fmt.Errorf("%s after %d attempts: %w", base.Ref, attempt+1, domain.ErrRetriesExhausted)
		}
		r.engine.logger.WarnContext(ctx, "journal version conflict, retrying",
			"entity", base.Ref.String(),
			"attempt", attempt+1,
		)

		base, err = r.engine.reload(ctx, base)
		if err != nil {
			r.discard()
			return Result{}, err
		}
	}
}

func (r *Recorder) commitOnce(ctx context.Context, actor domain.Actor, mode Mode, base domain.VersionedEntity, muts []MutateFunc, notes string) (Result, error) {
	detector := r.profile.detector()
	state := base
	var changes domain.Changeset
	for _, fn := range muts {
		next, err := applyMutation(state, fn)
		if err != nil {
			return Result{}, err
		}
		changes = changes.Compose(detector.Diff(state.Snapshot(), next.Snapshot()))
		state = next
	}
	after := state

	journal := r.engine.journal
	var result Result
	err := r.engine.store.WithinTx(ctx, func(ctx context.Context) error {
		result = Result{}
		switch {
		case !r.profile.Gate.Allows(after):
			result.Disposition = DispositionSuppressed
			result.Reason = ReasonGate
		case changes.IsEmpty() && domain.IsBlank(notes):
			result.Disposition = DispositionSuppressed
			result.Reason = ReasonEmpty
		case mode == ModeAppend:
			entry, disposition, err := r.amend(ctx, actor, after.Ref, changes, notes)
			if err != nil {
				return err
			}
			after.Version = entry.Version
			result.Entry = &entry
			result.Disposition = disposition
		default:
			entry, err := journal.Append(ctx, after.Ref, changes, actor.AuthorID(), notes)
			if err != nil {
				return err
			}
			after.Version = entry.Version
			result.Entry = &entry
			result.Disposition = DispositionCreated
		}

		saved, err := r.engine.store.Entities().Save(ctx, after)
		if err != nil {
			return err
		}
		result.Entity = saved
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// amend folds changes into the latest entry. Without history it records a
// new entry instead.
func (r *Recorder) amend(ctx context.Context, actor domain.Actor, ref domain.EntityRef, changes domain.Changeset, notes string) (domain.JournalEntry, Disposition, error) {
	journal := r.engine.journal
	last, err := journal.Last(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		entry, err := journal.Append(ctx, ref, changes, actor.AuthorID(), notes)
		return entry, DispositionCreated, err
	}
	if err != nil {
		return domain.JournalEntry{}, "", err
	}

	merged := last.Changeset.Compose(changes)
	entryNotes := last.Notes
	if !domain.IsBlank(notes) {
		entryNotes = notes
	}
	author := last.AuthorID
	if !actor.IsAnonymous() {
		author = actor.AuthorID()
	}
	entry, err := journal.UpdateLast(ctx, ref, merged, entryNotes, author)
	return entry, DispositionAmended, err
}

// commitSkip persists the mutation without touching the journal.
func (r *Recorder) commitSkip(ctx context.Context, fn MutateFunc) (Result, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	base, all := r.pending([]MutateFunc{fn})
	state := base
	for _, mutate := range all {
		next, err := applyMutation(state, mutate)
		if err != nil {
			r.discard()
			return Result{}, err
		}
		state = next
	}

	saved, err := r.engine.store.Entities().Save(ctx, state)
	if err != nil {
		r.discard()
		return Result{}, err
	}
	r.accept(saved)
	result := Result{Disposition: DispositionSkipped, Entity: saved}
	r.engine.afterCommit(ctx, result)
	return result, nil
}

func applyMutation(entity domain.VersionedEntity, fn MutateFunc) (domain.VersionedEntity, error) {
	if fn == nil {
		return entity.Clone(), nil
	}
	next, err := fn(entity.Clone())
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("mutate %s: %w", entity.Ref, err)
	}
	next.Ref = entity.Ref
	next.Version = entity.Version
	next.CreatedAt = entity.CreatedAt
	return next, nil
}
