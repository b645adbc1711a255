package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/media"
)

// EventKind names a class of engine notifications.
type EventKind string

const (
	ThumbnailUpdated     EventKind = "playlist-thumbnail-updated"
	DownloadStateChanged EventKind = "download-state-changed"
)

var ErrUnknownEventKind = errors.New("unknown event kind")

// Event is delivered to listeners. For ThumbnailUpdated, Thumbnails holds the
// full handle map. For DownloadStateChanged, Record is the record that changed
// and Downloads the full record map. Maps are copies owned by the listener.
type Event struct {
	Kind       EventKind
	TrackID    media.TrackID
	Record     media.DownloadRecord
	Thumbnails map[media.TrackID]content.Handle
	Downloads  map[media.TrackID]media.DownloadRecord
}

type Listener func(Event)

type registry struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventKind]map[uint64]Listener
}

func newRegistry() *registry {
	return &registry{
		listeners: map[EventKind]map[uint64]Listener{
			ThumbnailUpdated:     {},
			DownloadStateChanged: {},
		},
	}
}

// add registers fn and returns a disposer that removes it at most once.
func (r *registry) add(kind EventKind, fn Listener) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.listeners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}

	r.nextID++
	id := r.nextID
	byID[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			delete(r.listeners[kind], id)
		})
	}, nil
}

// snapshot returns the listeners of kind in registration order.
func (r *registry) snapshot(kind EventKind) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.listeners[kind]

	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}

	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind := range r.listeners {
		r.listeners[kind] = map[uint64]Listener{}
	}
}
