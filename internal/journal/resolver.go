package journal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rpattn/journaled/internal/domain"
)

// TagFunc resolves a named version for one entity.
type TagFunc func(ctx context.Context, store *Store, ref domain.EntityRef) (int64, error)

// Resolver maps locators to concrete version numbers. It does not check
// that an explicit version exists.
type Resolver struct {
	store *Store

	mu   sync.RWMutex
	tags map[string]TagFunc
}

// NewResolver returns a resolver knowing the "initial" and "latest" tags.
func NewResolver(store *Store) *Resolver {
	r := &Resolver{store: store, tags: map[string]TagFunc{}}
	r.RegisterTag(domain.TagInitial, func(context.Context, *Store, domain.EntityRef) (int64, error) {
		return 1, nil
	})
	r.RegisterTag(domain.TagLatest, func(ctx context.Context, store *Store, ref domain.EntityRef) (int64, error) {
		version, err := store.MaxVersion(ctx, ref)
		if err != nil {
			return 0, err
		}
		return max(version, 1), nil
	})
	return r
}

// RegisterTag adds or replaces a named version. Names are case-insensitive.
func (r *Resolver) RegisterTag(name string, fn TagFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[normalizeTag(name)] = fn
}

// Resolve returns the version number locator designates for ref, or an
// error wrapping domain.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref domain.EntityRef, locator domain.Locator) (int64, error) {
	switch loc := locator.(type) {
	case domain.VersionLocator:
		if math.IsNaN(loc.Number) || math.IsInf(loc.Number, 0) {
			return 0, notFound(ref, loc)
		}
		version := int64(math.Floor(loc.Number))
		if version < 1 {
			return 0, notFound(ref, loc)
		}
		return version, nil

	case domain.TimeLocator:
		entry, err := r.store.repo.LatestAtOrBefore(ctx, ref, loc.At)
		if errors.Is(err, domain.ErrNotFound) {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		return entry.Version, nil

	case domain.TagLocator:
		return r.resolveTag(ctx, ref, loc.Name, loc)

	case domain.RawLocator:
		return r.resolveTag(ctx, ref, loc.Text, loc)

	case domain.EntryLocator:
		if loc.Entry.Entity != ref {
			return 0, notFound(ref, loc)
		}
		return loc.Entry.Version, nil

	case domain.EntryIDLocator:
		entry, err := r.store.repo.GetEntryByID(ctx, loc.ID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && entry.Entity != ref) {
			return 0, notFound(ref, loc)
		}
		if err != nil {
			return 0, err
		}
		return entry.Version, nil

	case nil:
		return 0, fmt.Errorf("%w: no locator given", domain.ErrNotFound)
	}
	return 0, notFound(ref, locator)
}

func (r *Resolver) resolveTag(ctx context.Context, ref domain.EntityRef, name string, locator domain.Locator) (int64, error) {
	r.mu.RLock()
	fn, ok := r.tags[normalizeTag(name)]
	r.mu.RUnlock()
	if !ok {
		return 0, notFound(ref, locator)
	}
	return fn(ctx, r.store, ref)
}

func normalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func notFound(ref domain.EntityRef, locator domain.Locator) error {
	return fmt.Errorf("%w: %s has no version for %s", domain.ErrNotFound, ref, locator)
}
