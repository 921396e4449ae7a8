package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/repository"
	"github.com/rpattn/journaled/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staleJournal reports the entry before the real last one for the next
// `stale` LastEntry calls, simulating a writer that read max(version)
// before a competitor committed.
type staleJournal struct {
	repository.JournalRepository

	mu    sync.Mutex
	stale int
}

func (j *staleJournal) setStale(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stale = n
}

func (j *staleJournal) LastEntry(ctx context.Context, ref domain.EntityRef) (domain.JournalEntry, error) {
	entry, err := j.JournalRepository.LastEntry(ctx, ref)
	if err != nil {
		return entry, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stale == 0 || entry.Version < 2 {
		return entry, nil
	}
	j.stale--
	return j.JournalRepository.GetEntry(ctx, ref, entry.Version-1)
}

type staleStore struct {
	*memory.Store
	journal *staleJournal
}

func (s *staleStore) Journal() repository.JournalRepository {
	return s.journal
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event domain.ActivityEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	opts = append([]Option{WithClock(newStepClock().Now)}, opts...)
	return NewEngine(store, opts...), store
}

func newIssue() domain.VersionedEntity {
	return domain.NewVersionedEntity(domain.KindIssue, map[string]any{"subject": "Printer on fire"})
}

func set(field string, value any) Mutation {
	return Mutation{Apply: SetAttributes(map[string]any{field: value})}
}

func TestJournalLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())

	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Version())

	res, err := rec.Save(ctx, actor, set("status", "open"))
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	require.NotNil(t, res.Entry)
	assert.Equal(t, int64(1), res.Entry.Version)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: nil, New: "open"}}, res.Entry.Changeset.Changes())

	res, err = rec.Append(ctx, actor, func(ctx context.Context) error {
		_, err := rec.Save(ctx, actor, Mutation{Notes: "called the vendor"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionAmended, res.Disposition)
	assert.Equal(t, int64(1), rec.Version())

	first, err := engine.Journal().Get(ctx, rec.Ref(), 1)
	require.NoError(t, err)
	assert.Equal(t, "called the vendor", first.Notes)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: nil, New: "open"}}, first.Changeset.Changes())

	res, err = rec.Save(ctx, actor, set("status", "closed"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entry.Version)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: "open", New: "closed"}}, res.Entry.Changeset.Changes())

	restoration, err := rec.Revert(ctx, domain.Version(1))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "open"}, restoration.Values())
	assert.Equal(t, "open", rec.Entity().Attributes["status"])
	assert.Equal(t, int64(1), rec.Version())

	reverted, err := rec.Reverted(ctx)
	require.NoError(t, err)
	assert.True(t, reverted)

	// nothing was persisted by the revert itself
	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestSequentialSavesAreContiguous(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	const n = 6
	for i := 1; i <= n; i++ {
		res, err := rec.Save(ctx, domain.Anonymous(), set("done_ratio", i*10))
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Entry.Version)
	}

	entries, err := engine.Journal().Entries(ctx, rec.Ref())
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Version)
	}
	assert.Equal(t, int64(n), rec.Version())
}

func TestSaveWithoutChangesRecordsNothing(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	entity := newIssue().WithAttribute("description", "")
	rec, err := engine.Track(entity)
	require.NoError(t, err)

	res, err := rec.Save(ctx, domain.Anonymous(), set("description", nil))
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)
	assert.Equal(t, ReasonEmpty, res.Reason)
	assert.Nil(t, res.Entry)
	assert.Equal(t, int64(0), rec.Version())

	res, err = rec.Save(ctx, domain.Anonymous(), Mutation{Notes: "just a comment"})
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.True(t, res.Entry.Changeset.IsEmpty())
	assert.True(t, res.Entry.HasNotes())
}

func TestMergeWindowRecordsOneEntry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue().WithAttribute("x", 1))
	require.NoError(t, err)

	res, err := rec.Merge(ctx, actor, func(ctx context.Context) error {
		for _, value := range []int{2, 3} {
			saved, err := rec.Save(ctx, actor, set("x", value))
			if err != nil {
				return err
			}
			assert.Equal(t, DispositionDeferred, saved.Disposition)
		}
		_, err := rec.Save(ctx, actor, Mutation{Notes: "bulk edit", Apply: SetAttributes(map[string]any{"y": "new"})})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, int64(1), res.Entry.Version)
	assert.Equal(t, "bulk edit", res.Entry.Notes)
	assert.Equal(t, actor.AuthorID(), res.Entry.AuthorID)

	x, ok := res.Entry.Changeset.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, x.Old)
	assert.Equal(t, 3, x.New)
	assert.True(t, res.Entry.Changeset.Has("y"))
	assert.Equal(t, ModeNormal, rec.Mode())
}

func TestMergeWindowDropsFieldsReturningToOriginal(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue().WithAttribute("x", 1))
	require.NoError(t, err)

	res, err := rec.Merge(ctx, domain.Anonymous(), func(ctx context.Context) error {
		for _, value := range []int{2, 3, 1} {
			if _, err := rec.Save(ctx, domain.Anonymous(), set("x", value)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)

	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestEmptyMergeWindow(t *testing.T) {
	engine, _ := newTestEngine(t)
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	res, err := rec.Merge(context.Background(), domain.Anonymous(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)
	assert.Equal(t, ReasonEmpty, res.Reason)
}

func TestAppendWindowFoldsIntoLastEntry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	original := domain.ActorFromID(uuid.New())
	editor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	_, err = rec.Save(ctx, original, Mutation{Notes: "first", Apply: SetAttributes(map[string]any{"status": "open"})})
	require.NoError(t, err)

	res, err := rec.Append(ctx, editor, func(ctx context.Context) error {
		_, err := rec.Save(ctx, editor, set("priority", "high"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionAmended, res.Disposition)
	assert.Equal(t, int64(1), res.Entry.Version)
	assert.Equal(t, []string{"status", "priority"}, res.Entry.Changeset.Fields())
	assert.Equal(t, "first", res.Entry.Notes)
	assert.Equal(t, editor.AuthorID(), res.Entry.AuthorID)
	assert.Equal(t, "high", rec.Entity().Attributes["priority"])

	// an anonymous append keeps the recorded author
	res, err = rec.Append(ctx, domain.Anonymous(), func(ctx context.Context) error {
		_, err := rec.Save(ctx, domain.Anonymous(), set("status", nil))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, editor.AuthorID(), res.Entry.AuthorID)
	assert.Equal(t, []string{"priority"}, res.Entry.Changeset.Fields())
}

func TestAppendWindowWithoutHistoryCreatesEntry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	res, err := rec.Append(ctx, domain.Anonymous(), func(ctx context.Context) error {
		_, err := rec.Save(ctx, domain.Anonymous(), set("status", "open"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, int64(1), res.Entry.Version)
}

func TestGateSuppressesEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.Register(domain.KindIssue, Profile{
		Gate: NewGate().Unless(AttributeEquals("status", "draft")),
	}))
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	res, err := rec.Save(ctx, domain.Anonymous(), set("status", "draft"))
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)
	assert.Equal(t, ReasonGate, res.Reason)
	assert.Equal(t, "draft", res.Entity.Attributes["status"])

	stored, err := engine.store.Entities().GetByRef(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, "draft", stored.Attributes["status"])

	res, err = rec.Save(ctx, domain.Anonymous(), set("status", "open"))
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, int64(1), res.Entry.Version)
	status, _ := res.Entry.Changeset.Get("status")
	assert.Equal(t, "draft", status.Old)
}

func TestSkipWindow(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	_, err = rec.Save(ctx, domain.Anonymous(), set("status", "open"))
	require.NoError(t, err)

	err = rec.Skip(ctx, func(ctx context.Context) error {
		res, err := rec.Save(ctx, domain.Anonymous(), set("status", "closed"))
		if err != nil {
			return err
		}
		assert.Equal(t, DispositionSkipped, res.Disposition)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Version())
	assert.Equal(t, "closed", rec.Entity().Attributes["status"])
	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestNestedWindowsFail(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	var inner error
	_, err = rec.Merge(ctx, domain.Anonymous(), func(ctx context.Context) error {
		_, inner = rec.Append(ctx, domain.Anonymous(), func(context.Context) error { return nil })
		if err := rec.Skip(ctx, func(context.Context) error { return nil }); !errors.Is(err, domain.ErrBatchState) {
			return fmt.Errorf("nested skip: %v", err)
		}
		_, err := rec.Revert(ctx, domain.Version(1))
		return err
	})
	assert.ErrorIs(t, inner, domain.ErrBatchState)
	assert.ErrorIs(t, err, domain.ErrBatchState)
	assert.Equal(t, ModeNormal, rec.Mode())
}

func TestWindowReleasedOnError(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	boom := errors.New("boom")

	_, err = rec.Merge(ctx, domain.Anonymous(), func(ctx context.Context) error {
		if _, err := rec.Save(ctx, domain.Anonymous(), set("status", "open")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ModeNormal, rec.Mode())
	assert.NotContains(t, rec.Entity().Attributes, "status")

	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestWindowReleasedOnPanic(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = rec.Append(ctx, domain.Anonymous(), func(ctx context.Context) error {
			_, _ = rec.Save(ctx, domain.Anonymous(), set("status", "open"))
			panic("host bug")
		})
	})
	assert.Equal(t, ModeNormal, rec.Mode())
	assert.NotContains(t, rec.Entity().Attributes, "status")

	res, err := rec.Save(ctx, domain.Anonymous(), set("status", "new"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Entry.Version)
}

func TestMutationErrorLeavesStateUntouched(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	invalid := errors.New("subject too long")

	_, err = rec.Save(ctx, domain.Anonymous(), Mutation{Apply: func(entity domain.VersionedEntity) (domain.VersionedEntity, error) {
		return entity, invalid
	}})
	assert.ErrorIs(t, err, invalid)
	assert.Equal(t, "Printer on fire", rec.Entity().Attributes["subject"])
	assert.Equal(t, int64(0), rec.Version())
}

func TestConflictIsRetriedAgainstFreshState(t *testing.T) {
	base := memory.NewStore()
	stale := &staleJournal{JournalRepository: base.Journal()}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	engine := NewEngine(&staleStore{Store: base, journal: stale}, WithClock(newStepClock().Now), WithMetrics(metrics))
	ctx := context.Background()

	_, created, err := engine.Create(ctx, newIssue(), domain.Anonymous(), "")
	require.NoError(t, err)
	ref := created.Entity.Ref

	writerA, err := engine.Load(ctx, ref)
	require.NoError(t, err)
	writerB, err := engine.Load(ctx, ref)
	require.NoError(t, err)

	res, err := writerA.Save(ctx, domain.Anonymous(), set("status", "open"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entry.Version)

	// writer B still believes version 1 is the latest
	stale.setStale(1)
	res, err = writerB.Save(ctx, domain.Anonymous(), set("priority", "high"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Entry.Version)
	assert.Equal(t, []string{"priority"}, res.Entry.Changeset.Fields())
	assert.Equal(t, "open", res.Entity.Attributes["status"])
	assert.Equal(t, "high", res.Entity.Attributes["priority"])

	entries, err := engine.Journal().Entries(ctx, ref)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Conflicts.WithLabelValues("issue")))
}

func TestConflictRetriesExhausted(t *testing.T) {
	base := memory.NewStore()
	stale := &staleJournal{JournalRepository: base.Journal()}
	metrics := NewMetrics(nil)
	engine := NewEngine(&staleStore{Store: base, journal: stale},
		WithClock(newStepClock().Now),
		WithMaxRetries(2),
		WithMetrics(metrics),
	)
	ctx := context.Background()

	rec, _, err := engine.Create(ctx, newIssue(), domain.Anonymous(), "")
	require.NoError(t, err)
	_, err = rec.Save(ctx, domain.Anonymous(), set("status", "open"))
	require.NoError(t, err)

	stale.setStale(100)
	_, err = rec.Save(ctx, domain.Anonymous(), set("status", "closed"))
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "open", rec.Entity().Attributes["status"])
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Conflicts.WithLabelValues("issue")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RetriesExhausted.WithLabelValues("issue")))

	stored, err := base.Entities().GetByRef(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, "open", stored.Attributes["status"])
}

func TestConcurrentWritersKeepVersionsContiguous(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	_, created, err := engine.Create(ctx, newIssue(), domain.Anonymous(), "")
	require.NoError(t, err)
	ref := created.Entity.Ref

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := engine.Load(ctx, ref)
			if err != nil {
				errs <- err
				return
			}
			_, err = rec.Save(ctx, domain.Anonymous(), set(fmt.Sprintf("field_%d", i), i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := engine.Journal().Entries(ctx, ref)
	require.NoError(t, err)
	require.Len(t, entries, writers+1)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Version)
	}
}

func TestRevertAndSave(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	for _, status := range []string{"open", "closed", "rejected"} {
		_, err := rec.Save(ctx, actor, set("status", status))
		require.NoError(t, err)
	}

	res, err := rec.RevertAndSave(ctx, actor, domain.Version(3), "")
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)
	assert.Equal(t, ReasonNoop, res.Reason)

	res, err = rec.RevertAndSave(ctx, actor, domain.TagLocator{Name: domain.TagInitial}, "back to the start")
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, int64(4), res.Entry.Version)
	assert.Equal(t, []domain.FieldChange{{Field: "status", Old: "rejected", New: "open"}}, res.Entry.Changeset.Changes())
	assert.Equal(t, int64(4), rec.Version())

	reverted, err := rec.Reverted(ctx)
	require.NoError(t, err)
	assert.False(t, reverted)
}

func TestRevertToMissingVersionLeavesEntityUntouched(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	for _, status := range []string{"open", "closed", "rejected"} {
		_, err := rec.Save(ctx, actor, set("status", status))
		require.NoError(t, err)
	}

	_, err = rec.RevertAndSave(ctx, actor, domain.Version(10), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = rec.Revert(ctx, domain.Version(4))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, int64(3), rec.Version())
	assert.Equal(t, "rejected", rec.Entity().Attributes["status"])
	reverted, err := rec.Reverted(ctx)
	require.NoError(t, err)
	assert.False(t, reverted)
	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestRevertAndSaveAcrossCancellingEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	for _, status := range []string{"open", "closed", "open"} {
		_, err := rec.Save(ctx, actor, set("status", status))
		require.NoError(t, err)
	}

	// versions 2 and 3 cancel out, so moving from 3 to 1 changes nothing
	res, err := rec.RevertAndSave(ctx, actor, domain.Version(1), "")
	require.NoError(t, err)
	assert.Equal(t, DispositionSuppressed, res.Disposition)
	assert.Equal(t, ReasonNoop, res.Reason)
	assert.Equal(t, int64(3), res.Entity.Version)
	assert.Equal(t, int64(3), rec.Version())
	assert.Equal(t, "open", rec.Entity().Attributes["status"])

	reverted, err := rec.Reverted(ctx)
	require.NoError(t, err)
	assert.False(t, reverted)
	latest, err := engine.Journal().MaxVersion(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestRevertRestoresAttributeSharingCollectionPrefix(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.Register(domain.KindIssue, Profile{
		Detector: NewDetector(WithCollection(SetExtractor("tags"))),
	}))
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	for _, count := range []int{1, 2} {
		_, err := rec.Save(ctx, actor, set("tags_count", count))
		require.NoError(t, err)
	}

	res, err := rec.RevertAndSave(ctx, actor, domain.Version(1), "")
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, []domain.FieldChange{{Field: "tags_count", Old: 2, New: 1}}, res.Entry.Changeset.Changes())
	assert.Equal(t, 1, rec.Entity().Attributes["tags_count"])
	assert.Empty(t, rec.Entity().Collections["tags"])
}

func TestRevertUnknownLocatorLeavesEntityUntouched(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)
	_, err = rec.Save(ctx, domain.Anonymous(), set("status", "open"))
	require.NoError(t, err)

	_, err = rec.Revert(ctx, domain.RawLocator{Text: "yesterday"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "open", rec.Entity().Attributes["status"])
	assert.Equal(t, int64(1), rec.Version())
}

func TestCreate(t *testing.T) {
	notifier := &recordingNotifier{}
	engine, _ := newTestEngine(t, WithNotifier(notifier))
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	entity := newIssue()

	rec, res, err := engine.Create(ctx, entity, actor, "opened")
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)
	assert.Equal(t, int64(1), res.Entry.Version)
	assert.True(t, res.Entry.Changeset.IsEmpty())
	assert.Equal(t, int64(1), rec.Version())
	assert.Equal(t, 1, notifier.count())

	_, _, err = engine.Create(ctx, entity, actor, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	loaded, err := engine.Load(ctx, entity.Ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
	assert.Equal(t, "Printer on fire", loaded.Entity().Attributes["subject"])

	_, err = engine.Load(ctx, domain.NewEntityRef(domain.KindIssue, uuid.New()))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotificationsFollowNewEntriesOnly(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("index unavailable")}
	metrics := NewMetrics(nil)
	engine, _ := newTestEngine(t, WithNotifier(notifier), WithMetrics(metrics))
	ctx := context.Background()
	actor := domain.ActorFromID(uuid.New())
	rec, err := engine.Track(newIssue())
	require.NoError(t, err)

	res, err := rec.Save(ctx, actor, Mutation{Notes: "n", Apply: SetAttributes(map[string]any{"status": "open"})})
	require.NoError(t, err)
	assert.Equal(t, DispositionCreated, res.Disposition)

	_, err = rec.Append(ctx, actor, func(ctx context.Context) error {
		_, err := rec.Save(ctx, actor, set("priority", "low"))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, rec.Skip(ctx, func(ctx context.Context) error {
		_, err := rec.Save(ctx, actor, set("priority", "high"))
		return err
	}))

	require.Equal(t, 1, notifier.count())
	event := notifier.events[0]
	assert.Equal(t, rec.Ref(), event.Entity)
	assert.Equal(t, int64(1), event.Version)
	assert.Equal(t, actor.AuthorID(), event.AuthorID)
	assert.Equal(t, "n", event.Notes)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationErrors))
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.ErrorIs(t, engine.Register("robot", Profile{}), domain.ErrValidation)
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeNormal, ModeSkip, ModeMerge, ModeAppend} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err := ParseMode("batch")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLoadAndRefreshVersion(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, _, err := engine.Create(ctx, newIssue(), domain.Anonymous(), "")
	require.NoError(t, err)
	stale, err := engine.Track(first.Entity())
	require.NoError(t, err)

	_, err = first.Save(ctx, domain.Anonymous(), set("status", "closed"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale.Version())

	version, err := stale.RefreshVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, int64(2), stale.Version())

	loaded, err := engine.Load(ctx, first.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version())
	assert.Equal(t, "closed", loaded.Entity().Attributes["status"])

	_, err = engine.Load(ctx, domain.NewEntityRef(domain.KindIssue, uuid.New()))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
