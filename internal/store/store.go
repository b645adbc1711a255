// Package store adapts the engine to the view: a single state value with a
// coarse activity indicator and the current selection.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/engine"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
)

// Activity is what the view should show as in progress.
type Activity string

const (
	ActivityIdle     Activity = "idle"
	ActivityFetching Activity = "fetching"
	ActivityLoading  Activity = "loading"
)

// Engine is the part of *engine.Engine the store consumes.
type Engine interface {
	LoadPlaylist(ctx context.Context) error
	AddTrack(ctx context.Context, url string) (media.Track, error)
	RemoveTrack(ctx context.Context, id media.TrackID) error
	SelectTrack(ctx context.Context, id media.TrackID) (engine.Selection, error)
	Subscribe(kind engine.EventKind, fn engine.Listener) (func(), error)
	Playlist() []media.Track
	Thumbnails() map[media.TrackID]content.Handle
	Downloads() map[media.TrackID]media.DownloadRecord
}

var _ Engine = (*engine.Engine)(nil)

// State is an immutable snapshot handed to the view.
type State struct {
	Activity   Activity                               `json:"activity"`
	Playlist   []media.Track                          `json:"playlist"`
	Thumbnails map[media.TrackID]content.Handle       `json:"thumbnails"`
	Downloads  map[media.TrackID]media.DownloadRecord `json:"downloads"`
	Selected   *engine.Selection                      `json:"selected,omitempty"`
}

type Store struct {
	engine Engine

	mu       sync.Mutex
	state    State
	fetching int
	loading  int
	nextID   uint64
	watchers map[uint64]func(State)

	unsubscribe []func()
	closeOnce   sync.Once
}

// New mirrors eng's current maps and follows its notifications until Close.
func New(eng Engine) (*Store, error) {
	s := &Store{
		engine: eng,
		state: State{
			Activity:   ActivityIdle,
			Playlist:   eng.Playlist(),
			Thumbnails: eng.Thumbnails(),
			Downloads:  eng.Downloads(),
		},
		watchers: make(map[uint64]func(State)),
	}

	unsubThumbs, err := eng.Subscribe(engine.ThumbnailUpdated, func(ev engine.Event) {
		s.update(func(st *State) { st.Thumbnails = ev.Thumbnails })
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch thumbnails: %w", err)
	}

	unsubDownloads, err := eng.Subscribe(engine.DownloadStateChanged, func(ev engine.Event) {
		s.update(func(st *State) { st.Downloads = ev.Downloads })
	})
	if err != nil {
		unsubThumbs()

		return nil, fmt.Errorf("failed to watch downloads: %w", err)
	}

	s.unsubscribe = []func(){unsubThumbs, unsubDownloads}

	return s, nil
}

// Load refreshes the playlist from the backend.
func (s *Store) Load(ctx context.Context) error {
	err := s.engine.LoadPlaylist(ctx)
	s.refreshPlaylist()

	return err
}

// AddTrack reports fetching while the backend downloads metadata for url.
// BadLinkError and NotFoundError are meant to be shown to the user.
func (s *Store) AddTrack(ctx context.Context, url string) (media.Track, error) {
	s.begin(&s.fetching)
	defer s.end(&s.fetching)

	track, err := s.engine.AddTrack(ctx, url)
	if err != nil {
		return media.Track{}, err
	}

	s.refreshPlaylist()

	return track, nil
}

// RemoveTrack never fails: a backend failure leaves the playlist as it was
// and is only logged.
func (s *Store) RemoveTrack(ctx context.Context, id media.TrackID) {
	if err := s.engine.RemoveTrack(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove track", "track_id", id, "err", err)

		return
	}

	s.refreshPlaylist()
}

// SelectTrack reports loading while the media is fetched and resolved.
func (s *Store) SelectTrack(ctx context.Context, id media.TrackID) (engine.Selection, error) {
	s.begin(&s.loading)
	defer s.end(&s.loading)

	sel, err := s.engine.SelectTrack(ctx, id)
	if err != nil {
		return engine.Selection{}, err
	}

	s.update(func(st *State) { st.Selected = &sel })

	return sel, nil
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.clone()
}

// Watch calls fn with every new state until the returned func is called.
func (s *Store) Watch(fn func(State)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Close stops following the engine. It does not dispose the engine.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubscribe {
			unsub()
		}

		s.mu.Lock()
		clear(s.watchers)
		s.mu.Unlock()
	})
}

func (s *Store) refreshPlaylist() {
	playlist := s.engine.Playlist()
	s.update(func(st *State) { st.Playlist = playlist })
}

func (s *Store) begin(counter *int) {
	s.update(func(*State) { *counter++ })
}

func (s *Store) end(counter *int) {
	s.update(func(*State) { *counter-- })
}

// update applies fn under the lock and fans the new state out to watchers.
func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.Activity = s.activity()
	st := s.state.clone()
	watchers := slices.Collect(maps.Values(s.watchers))
	s.mu.Unlock()

	for _, w := range watchers {
		w(st)
	}
}

// activity must be called with s.mu held. Loading media outranks fetching.
func (s *Store) activity() Activity {
	switch {
	case s.loading > 0:
		return ActivityLoading
	case s.fetching > 0:
		return ActivityFetching
	default:
		return ActivityIdle
	}
}

func (st State) clone() State {
	out := st
	out.Playlist = slices.Clone(st.Playlist)
	out.Thumbnails = maps.Clone(st.Thumbnails)
	out.Downloads = maps.Clone(st.Downloads)

	if st.Selected != nil {
		sel := *st.Selected
		out.Selected = &sel
	}

	return out
}
