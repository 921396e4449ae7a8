// Package httpapi exposes the journaling engine over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/journaled/internal/auth"
	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/export"
	"github.com/rpattn/journaled/internal/journal"
	"github.com/rpattn/journaled/internal/middleware"
	"github.com/rpattn/journaled/internal/repository"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler serves entity, journal and reversion endpoints.
type Handler struct {
	engine   *journal.Engine
	entities repository.EntityRepository
	exports  *export.Service
	logger   *slog.Logger
	editable journal.EditableFunc
}

// Option configures a Handler.
type Option func(*Handler)

// WithEditable overrides who may edit journal notes. Defaults to the
// entry's author.
func WithEditable(fn journal.EditableFunc) Option {
	return func(h *Handler) {
		h.editable = fn
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New builds a handler. exports may be nil to disable the export routes.
func New(engine *journal.Engine, entities repository.EntityRepository, exports *export.Service, opts ...Option) *Handler {
	h := &Handler{
		engine:   engine,
		entities: entities,
		exports:  exports,
		logger:   slog.Default(),
		editable: journal.AuthorOnly,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/versions", h.handleVersions)
	r.Route("/entities/{kind}", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/mutations", h.handleMutate)
			r.Post("/revert", h.handleRevert)
			r.Get("/snapshot", h.handleSnapshot)
			r.Get("/diff", h.handleDiff)
			r.Get("/journal", h.handleJournal)
			r.Get("/journal/{version}", h.handleEntry)
			r.Patch("/journal/{version}/notes", h.handleEditNotes)
			if h.exports != nil {
				exporter := export.NewHTTPHandler(h.exports)
				r.Get("/journal.xlsx", exporter.ServeHTTP)
				r.Get("/journal.csv", exporter.ServeHTTP)
			}
		})
	})
}

type changeRequest struct {
	Attributes  map[string]any   `json:"attributes,omitempty"`
	Collections map[string][]any `json:"collections,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

func (c changeRequest) mutation(fallbackNotes string) journal.Mutation {
	notes := c.Notes
	if strings.TrimSpace(notes) == "" {
		notes = fallbackNotes
	}
	return journal.Mutation{
		Notes: notes,
		Apply: func(entity domain.VersionedEntity) (domain.VersionedEntity, error) {
			entity, err := journal.SetAttributes(c.Attributes)(entity)
			if err != nil {
				return entity, err
			}
			for name, items := range c.Collections {
				if entity, err = journal.SetCollection(name, items)(entity); err != nil {
					return entity, err
				}
			}
			return entity, nil
		},
	}
}

type createRequest struct {
	ID          *uuid.UUID       `json:"id,omitempty"`
	Actor       *uuid.UUID       `json:"actor,omitempty"`
	Attributes  map[string]any   `json:"attributes"`
	Collections map[string][]any `json:"collections,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

type mutationRequest struct {
	Actor   *uuid.UUID      `json:"actor,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Notes   string          `json:"notes,omitempty"`
	Changes []changeRequest `json:"changes"`
}

type revertRequest struct {
	Actor   *uuid.UUID      `json:"actor,omitempty"`
	Locator json.RawMessage `json:"locator"`
	Persist bool            `json:"persist,omitempty"`
	Notes   string          `json:"notes,omitempty"`
}

type notesRequest struct {
	Actor *uuid.UUID `json:"actor,omitempty"`
	Notes string     `json:"notes"`
}

type resultView struct {
	Disposition journal.Disposition  `json:"disposition"`
	Reason      string               `json:"reason,omitempty"`
	Entry       *domain.JournalEntry `json:"entry,omitempty"`
}

func newResultView(result journal.Result) resultView {
	return resultView{Disposition: result.Disposition, Reason: result.Reason, Entry: result.Entry}
}

type entityResponse struct {
	Entity  domain.VersionedEntity `json:"entity"`
	Version int64                  `json:"version"`
	Results []resultView           `json:"results,omitempty"`
}

type restorationView struct {
	From    int64            `json:"from"`
	To      int64            `json:"to"`
	Changes domain.Changeset `json:"changes"`
}

type revertResponse struct {
	Entity      domain.VersionedEntity `json:"entity"`
	Restoration *restorationView       `json:"restoration,omitempty"`
	Result      *resultView            `json:"result,omitempty"`
}

type snapshotView struct {
	Ref         domain.EntityRef `json:"ref"`
	Version     int64            `json:"version"`
	Attributes  map[string]any   `json:"attributes"`
	Collections map[string][]any `json:"collections"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageLimit, pageOffset := repository.NormalizePage(int(limit), int(offset))
	entities, err := h.entities.ListByKind(r.Context(), kind, pageLimit, pageOffset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, err := domain.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	actor, err := resolveActor(ctx, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entity := domain.NewVersionedEntity(kind, req.Attributes)
	if req.ID != nil {
		entity.Ref.ID = *req.ID
	}
	for name, items := range req.Collections {
		entity = entity.WithCollection(name, items)
	}

	_, result, err := h.engine.Create(ctx, entity, actor, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entityResponse{
		Entity:  result.Entity,
		Version: result.Entity.Version,
		Results: []resultView{newResultView(result)},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{Entity: rec.Entity(), Version: rec.Version()})
}

func (h *Handler) handleMutate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req mutationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	mode, err := journal.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Changes) == 0 && strings.TrimSpace(req.Notes) == "" {
		h.writeError(w, r, invalid("mutation carries neither changes nor notes"))
		return
	}
	actor, err := resolveActor(ctx, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	var results []journal.Result
	switch mode {
	case journal.ModeMerge, journal.ModeAppend:
		block := func(ctx context.Context) error {
			for _, change := range req.Changes {
				if _, err := rec.Save(ctx, actor, change.mutation("")); err != nil {
					return err
				}
			}
			if strings.TrimSpace(req.Notes) != "" {
				_, err := rec.Save(ctx, actor, journal.Mutation{Notes: req.Notes})
				return err
			}
			return nil
		}
		var result journal.Result
		if mode == journal.ModeMerge {
			result, err = rec.Merge(ctx, actor, block)
		} else {
			result, err = rec.Append(ctx, actor, block)
		}
		results = append(results, result)
	case journal.ModeSkip:
		err = rec.Skip(ctx, func(ctx context.Context) error {
			for _, change := range req.Changes {
				result, err := rec.Save(ctx, actor, change.mutation(""))
				if err != nil {
					return err
				}
				results = append(results, result)
			}
			return nil
		})
	default:
		if len(req.Changes) == 0 {
			req.Changes = []changeRequest{{}}
		}
		for _, change := range req.Changes {
			var result journal.Result
			result, err = rec.Save(ctx, actor, change.mutation(req.Notes))
			if err != nil {
				break
			}
			results = append(results, result)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.forgetVersion(ctx, rec.Ref())
	resp := entityResponse{Entity: rec.Entity(), Version: rec.Version()}
	for _, result := range results {
		resp.Results = append(resp.Results, newResultView(result))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req revertRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Locator) == 0 {
		h.writeError(w, r, invalid("locator is required"))
		return
	}
	locator, err := domain.UnmarshalLocator(req.Locator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	actor, err := resolveActor(ctx, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	if req.Persist {
		result, err := rec.RevertAndSave(ctx, actor, locator, req.Notes)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.forgetVersion(ctx, rec.Ref())
		view := newResultView(result)
		writeJSON(w, http.StatusOK, revertResponse{Entity: rec.Entity(), Result: &view})
		return
	}

	restoration, err := rec.Revert(ctx, locator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revertResponse{
		Entity: rec.Entity(),
		Restoration: &restorationView{
			From:    restoration.From,
			To:      restoration.To,
			Changes: restoration.Changes,
		},
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	locator, err := queryLocator(r, "at", domain.TagLatest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	snapshot, err := h.engine.Reverter(rec.Ref().Kind).SnapshotAt(r.Context(), rec.Entity(), locator)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView{
		Ref:         snapshot.Ref,
		Version:     snapshot.Version,
		Attributes:  snapshot.Attributes,
		Collections: snapshot.Collections,
	})
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	from, err := queryLocator(r, "from", domain.TagInitial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := queryLocator(r, "to", domain.TagLatest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	reverter := h.engine.Reverter(rec.Ref().Kind)
	base, err := reverter.SnapshotAt(r.Context(), rec.Entity(), from)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	target, err := reverter.SnapshotAt(r.Context(), rec.Entity(), to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	diff, err := domain.DiffEntitySnapshots(
		fmt.Sprintf("version %d", base.Version), &base,
		fmt.Sprintf("version %d", target.Version), &target,
	)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, err := refFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	after, err := queryInt(r, "after")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	store := h.engine.Journal()
	var entries []domain.JournalEntry
	switch {
	case before > 0 && after > 0:
		err = invalid("before and after are mutually exclusive")
	case before > 0:
		entries, err = store.Before(ctx, ref, before)
	case after > 0:
		entries, err = store.After(ctx, ref, after)
	default:
		entries, err = store.Entries(ctx, ref)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	ref, version, err := entryFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.engine.Journal().Get(r.Context(), ref, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEditNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, version, err := entryFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req notesRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	actor, err := resolveActor(ctx, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.engine.Journal().EditNotes(ctx, ref, version, actor, req.Notes, h.editable)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := r.URL.Query()["ref"]
	if len(raw) == 0 {
		h.writeError(w, r, invalid("at least one ref is required"))
		return
	}
	refs := make([]domain.EntityRef, 0, len(raw))
	for _, value := range raw {
		ref, err := domain.ParseEntityRef(value)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		refs = append(refs, ref)
	}

	var versions map[domain.EntityRef]int64
	var err error
	if loader := middleware.VersionLoaderFromContext(ctx); loader != nil {
		versions, err = loader.LoadMany(ctx, refs)
	} else {
		versions, err = h.engine.CurrentVersions(ctx, refs)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make(map[string]int64, len(versions))
	for ref, version := range versions {
		out[ref.String()] = version
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*journal.Recorder, bool) {
	ref, err := refFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	rec, err := h.engine.Load(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return rec, true
}

func (h *Handler) forgetVersion(ctx context.Context, ref domain.EntityRef) {
	if loader := middleware.VersionLoaderFromContext(ctx); loader != nil {
		loader.Forget(ctx, ref)
	}
}

// resolveActor prefers the authenticated actor and rejects a body actor
// that contradicts it.
func resolveActor(ctx context.Context, claimed *uuid.UUID) (domain.Actor, error) {
	if err := auth.EnforceActor(ctx, claimed); err != nil {
		return domain.Actor{}, err
	}
	if _, ok := auth.ActorIDFromContext(ctx); !ok && claimed != nil {
		return domain.ActorFromID(*claimed), nil
	}
	return auth.ActorFromContext(ctx), nil
}

func refFromPath(r *http.Request) (domain.EntityRef, error) {
	return domain.ParseEntityRef(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "id"))
}

func entryFromPath(r *http.Request) (domain.EntityRef, int64, error) {
	ref, err := refFromPath(r)
	if err != nil {
		return domain.EntityRef{}, 0, err
	}
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || version < 1 {
		return domain.EntityRef{}, 0, invalid("version must be a positive integer")
	}
	return ref, version, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

// queryLocator parses a typed locator expression: version:N, at:RFC3339,
// tag:NAME or entry:UUID. Anything else is looked up as a tag.
func queryLocator(r *http.Request, name, fallback string) (domain.Locator, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return domain.TagLocator{Name: fallback}, nil
	}
	prefix, value, ok := strings.Cut(raw, ":")
	if !ok {
		return domain.RawLocator{Text: raw}, nil
	}
	switch prefix {
	case "version":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, invalid("%s: bad version %q", name, value)
		}
		return domain.VersionLocator{Number: n}, nil
	case "at":
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, invalid("%s: bad timestamp %q", name, value)
		}
		return domain.TimeLocator{At: at}, nil
	case "tag":
		return domain.TagLocator{Name: value}, nil
	case "entry":
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, invalid("%s: bad entry id %q", name, value)
		}
		return domain.EntryIDLocator{ID: id}, nil
	}
	return domain.RawLocator{Text: raw}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...)
}
