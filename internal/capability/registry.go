package capability

import (
	"log/slog"
	"sync/atomic"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/pkg/models"
)

// View is the read-only face of the registry. The router and provider
// adapters depend on this interface rather than the registry itself.
type View interface {
	// ProfileFor returns the profile for a model id. Unknown models get a
	// synthesised default so callers never handle a nil profile.
	ProfileFor(modelID string) *Profile

	// Known reports whether the model has a stored profile.
	Known(modelID string) bool
}

// Registry serves capability profiles copy-on-write: readers load a snapshot
// pointer, Refresh builds a new map and swaps the pointer atomically. Readers
// never block on a refresh and never observe a half-applied store.
type Registry struct {
	store    Store
	logger   *slog.Logger
	snapshot atomic.Pointer[map[string]*Profile]
	sub      *bus.Subscription
	done     chan struct{}
}

// NewRegistry loads the initial snapshot from store.
func NewRegistry(store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		logger: logger.With("component", "capability"),
		done:   make(chan struct{}),
	}
	profiles, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	r.snapshot.Store(&profiles)
	r.logger.Info("capability profiles loaded", "count", len(profiles))
	return r, nil
}

// ProfileFor implements View.
func (r *Registry) ProfileFor(modelID string) *Profile {
	snap := *r.snapshot.Load()
	if p, ok := snap[modelID]; ok && p != nil {
		return p
	}
	return DefaultProfile(modelID)
}

// Known implements View.
func (r *Registry) Known(modelID string) bool {
	snap := *r.snapshot.Load()
	_, ok := snap[modelID]
	return ok
}

// Refresh reloads all profiles from the store and installs the new snapshot.
// On store error the current snapshot stays active.
func (r *Registry) Refresh() error {
	profiles, err := r.store.LoadAll()
	if err != nil {
		r.logger.Error("profile refresh failed, keeping previous snapshot", "error", err)
		return err
	}
	r.snapshot.Store(&profiles)
	r.logger.Info("capability profiles refreshed", "count", len(profiles))
	return nil
}

// WatchInvalidations subscribes to the event bus and refreshes whenever a
// capability_invalidate event arrives. Call Close to stop.
func (r *Registry) WatchInvalidations(eventBus *bus.Bus) {
	r.sub = eventBus.Subscribe(16)
	go func() {
		for {
			select {
			case ev, ok := <-r.sub.C:
				if !ok {
					return
				}
				if ev.Type != models.EventCapabilityInvalidate {
					continue
				}
				_ = r.Refresh()
			case <-r.done:
				return
			}
		}
	}()
}

// Close stops the invalidation watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.sub != nil {
		r.sub.Cancel()
	}
}
