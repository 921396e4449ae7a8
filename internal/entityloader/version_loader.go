package entityloader

import (
	"context"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/graph-gophers/dataloader"
)

// VersionFetcher returns the current journal version of each ref, omitting
// or zeroing refs without history.
type VersionFetcher func(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error)

// VersionLoader batches current-version lookups made while serving one
// request into a single MaxVersions query.
type VersionLoader struct {
	Loader *dataloader.Loader
}

func NewVersionLoader(fetch VersionFetcher) *VersionLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		refs := make([]domain.EntityRef, 0, len(keys))
		parsed := make([]domain.EntityRef, len(keys))
		for i, k := range keys {
			ref, err := domain.ParseEntityRef(k.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			parsed[i] = ref
			refs = append(refs, ref)
		}

		versions, err := fetch(ctx, refs)
		for i := range keys {
			if results[i] != nil {
				continue
			}
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			results[i] = &dataloader.Result{Data: versions[parsed[i]]}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &VersionLoader{Loader: loader}
}

// Load returns the current version of ref, 0 when it has no history.
func (l *VersionLoader) Load(ctx context.Context, ref domain.EntityRef) (int64, error) {
	data, err := l.Loader.Load(ctx, dataloader.StringKey(ref.String()))()
	if err != nil {
		return 0, err
	}
	version, _ := data.(int64)
	return version, nil
}

// LoadMany resolves every ref in one batch.
func (l *VersionLoader) LoadMany(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error) {
	keys := make(dataloader.Keys, len(refs))
	for i, ref := range refs {
		keys[i] = dataloader.StringKey(ref.String())
	}
	data, errs := l.Loader.LoadMany(ctx, keys)()
	out := make(map[domain.EntityRef]int64, len(refs))
	for i, ref := range refs {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		version, _ := data[i].(int64)
		out[ref] = version
	}
	return out, nil
}

// Forget drops the cached version of ref after a write.
func (l *VersionLoader) Forget(ctx context.Context, ref domain.EntityRef) {
	l.Loader.Clear(ctx, dataloader.StringKey(ref.String()))
}
