package app

import (
	"context"
	"errors"

	"github.com/medilearn/livevoice/pkg/memory"
)

// fanoutStore writes to every backend and reads from the first one. It lets
// the durable postgres archive and the redis live view run side by side.
type fanoutStore struct {
	stores []memory.SessionStore
}

var _ memory.SessionStore = (*fanoutStore)(nil)

// combineStores returns nil for no stores, the store itself for one, and a
// fan-out for more. The first store answers reads.
func combineStores(stores ...memory.SessionStore) memory.SessionStore {
	switch len(stores) {
	case 0:
		return nil
	case 1:
		return stores[0]
	}
	return &fanoutStore{stores: stores}
}

func (f *fanoutStore) each(fn func(memory.SessionStore) error) error {
	var errs []error
	for _, s := range f.stores {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutStore) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	return f.each(func(s memory.SessionStore) error { return s.WriteEntry(ctx, sessionID, entry) })
}

func (f *fanoutStore) WriteStatus(ctx context.Context, status memory.SessionStatus) error {
	return f.each(func(s memory.SessionStore) error { return s.WriteStatus(ctx, status) })
}

func (f *fanoutStore) Entries(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	return f.stores[0].Entries(ctx, sessionID)
}

func (f *fanoutStore) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	return f.stores[0].Search(ctx, query, opts)
}

func (f *fanoutStore) Status(ctx context.Context, sessionID string) (memory.SessionStatus, bool, error) {
	return f.stores[0].Status(ctx, sessionID)
}

func (f *fanoutStore) Ping(ctx context.Context) error {
	return f.each(func(s memory.SessionStore) error { return s.Ping(ctx) })
}

func (f *fanoutStore) Close() error {
	return f.each(func(s memory.SessionStore) error { return s.Close() })
}
