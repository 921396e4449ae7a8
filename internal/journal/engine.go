package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/repository"
)

const defaultMaxRetries = 3

// Notifier is the activity-indexing collaborator. It is called after a new
// entry has been committed; failures are logged and never undo the commit.
type Notifier interface {
	Notify(ctx context.Context, event domain.ActivityEvent) error
}

// Profile binds the change detector and gate used for one entity kind.
type Profile struct {
	Detector *Detector
	Gate     *Gate
}

func (p Profile) detector() *Detector {
	if p.Detector == nil {
		return NewDetector()
	}
	return p.Detector
}

// Engine wires the journal store, profiles and ambient collaborators, and
// hands out a Recorder per entity instance.
type Engine struct {
	store      repository.Store
	journal    *Store
	logger     *slog.Logger
	metrics    *Metrics
	notifier   Notifier
	maxRetries int
	clock      func() time.Time

	mu       sync.RWMutex
	profiles map[domain.EntityKind]Profile
	fallback Profile
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithNotifier sets the activity collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMaxRetries bounds how often a conflicting mutation is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithDefaultProfile sets the profile used for kinds without one.
func WithDefaultProfile(p Profile) Option {
	return func(e *Engine) {
		e.fallback = p
	}
}

// NewEngine builds an engine over store.
func NewEngine(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		clock:      time.Now,
		profiles:   map[domain.EntityKind]Profile{},
		fallback:   Profile{Detector: NewDetector()},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.journal = NewStore(store.Journal(), e.clock)
	return e
}

// Register binds a profile to an entity kind.
func (e *Engine) Register(kind domain.EntityKind, profile Profile) error {
	if _, err := domain.ParseEntityKind(string(kind)); err != nil {
		return err
	}
	if profile.Detector == nil {
		profile.Detector = NewDetector()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[kind] = profile
	return nil
}

// Profile returns the profile for kind, falling back to the default.
func (e *Engine) Profile(kind domain.EntityKind) Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if profile, ok := e.profiles[kind]; ok {
		return profile
	}
	return e.fallback
}

// Journal exposes the journal store.
func (e *Engine) Journal() *Store {
	return e.journal
}

// Reverter returns a reverter using the detector registered for kind.
func (e *Engine) Reverter(kind domain.EntityKind) *Reverter {
	return NewReverter(e.journal, e.Profile(kind).detector())
}

// Track wraps an in-memory entity whose state is taken as persisted and
// whose Version is trusted as its current journal version.
func (e *Engine) Track(entity domain.VersionedEntity) (*Recorder, error) {
	if err := entity.Ref.Validate(); err != nil {
		return nil, err
	}
	return newRecorder(e, entity), nil
}

// Load fetches a persisted entity and recomputes its current version from
// the journal.
func (e *Engine) Load(ctx context.Context, ref domain.EntityRef) (*Recorder, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	entity, err := e.store.Entities().GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	version, err := e.journal.MaxVersion(ctx, ref)
	if err != nil {
		return nil, err
	}
	entity.Version = version
	return newRecorder(e, entity), nil
}

// Create persists a new entity and records its initial entry as version 1
// with an empty changeset. Creating an entity that already has history is a
// validation error.
func (e *Engine) Create(ctx context.Context, entity domain.VersionedEntity, actor domain.Actor, notes string) (*Recorder, Result, error) {
	if err := entity.Ref.Validate(); err != nil {
		return nil, Result{}, err
	}
	start := time.Now()
	defer e.metrics.ObserveCommit(start)

	profile := e.Profile(entity.Ref.Kind)
	var result Result
	err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := e.journal.MaxVersion(ctx, entity.Ref)
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s already has %d journal entries", domain.ErrValidation, entity.Ref, existing)
		}

		entity.Version = 0
		result.Disposition = DispositionSuppressed
		result.Reason = ReasonGate
		if profile.Gate.Allows(entity) {
			entry, err := e.journal.Append(ctx, entity.Ref, domain.Changeset{}, actor.AuthorID(), notes)
			if err != nil {
				return err
			}
			entity.Version = entry.Version
			result = Result{Disposition: DispositionCreated, Entry: &entry}
		}

		saved, err := e.store.Entities().Save(ctx, entity)
		if err != nil {
			return err
		}
		result.Entity = saved
		return nil
	})
	if err != nil {
		return nil, Result{}, fmt.Errorf("create %s: %w", entity.Ref, err)
	}

	e.afterCommit(ctx, result)
	return newRecorder(e, result.Entity), result, nil
}

// CurrentVersions returns the journal version of each entity, 0 for those
// without history.
func (e *Engine) CurrentVersions(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error) {
	return e.journal.Repository().MaxVersions(ctx, refs)
}

func (e *Engine) afterCommit(ctx context.Context, result Result) {
	kind := string(result.Entity.Ref.Kind)
	ref := result.Entity.Ref.String()
	switch result.Disposition {
	case DispositionCreated:
		e.metrics.appended(kind)
		e.logger.InfoContext(ctx, "journal entry created", "entity", ref, "version", result.Entry.Version)
		e.notify(ctx, *result.Entry)
	case DispositionAmended:
		e.metrics.amended(kind)
		e.logger.InfoContext(ctx, "journal entry amended", "entity", ref, "version", result.Entry.Version)
	case DispositionSkipped:
		e.metrics.skipped(kind)
		e.logger.DebugContext(ctx, "mutation saved without journaling", "entity", ref)
	case DispositionSuppressed:
		e.metrics.suppressed(kind, result.Reason)
		e.logger.DebugContext(ctx, "journal entry suppressed", "entity", ref, "reason", result.Reason)
	}
}

func (e *Engine) notify(ctx context.Context, entry domain.JournalEntry) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, domain.NewActivityEvent(entry)); err != nil {
		e.metrics.notificationFailed()
		e.logger.WarnContext(ctx, "activity notification failed",
			"entity", entry.Entity.String(),
			"version", entry.Version,
			"error", err,
		)
	}
}

// reload fetches the freshest persisted state after a conflict.
func (e *Engine) reload(ctx context.Context, base domain.VersionedEntity) (domain.VersionedEntity, error) {
	fresh, err := e.store.Entities().GetByRef(ctx, base.Ref)
	if errors.Is(err, domain.ErrNotFound) {
		fresh = base.Clone()
	} else if err != nil {
		return domain.VersionedEntity{}, err
	}
	version, err := e.journal.MaxVersion(ctx, base.Ref)
	if err != nil {
		return domain.VersionedEntity{}, err
	}
	fresh.Version = version
	return fresh, nil
}
