// Package engine keeps the local mirror of the backend's playlist,
// thumbnails and download records, and notifies listeners when they change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/events"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/telemetry"
)

const defaultThumbnailWorkers = 4

var (
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrDisposed           = errors.New("engine disposed")
)

// Resolver turns content references into handles and frees allocated ones.
type Resolver interface {
	Resolve(ref media.ContentReference) (content.Handle, error)
	Release(h content.Handle)
}

// Selection pairs the selected track with its playable media handle.
type Selection struct {
	Track  media.Track    `json:"track"`
	Handle content.Handle `json:"handle"`
}

// Engine is the single owner of the playlist, thumbnail and download maps.
// All mutation goes through its methods; listeners run outside its lock.
type Engine struct {
	gateway   media.Gateway
	source    media.EventSource
	resolver  Resolver
	telemetry *telemetry.Telemetry
	listeners *registry

	// bounds concurrent thumbnail fetches
	sem chan struct{}

	// publishMu orders ThumbnailUpdated snapshots with their delivery.
	publishMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	playlist    []media.Track
	thumbnails  map[media.TrackID]content.Handle
	inflight    map[media.TrackID]struct{}
	downloads   *events.Table
	selected    *Selection
	sub         media.Subscription
	initialized bool
	disposed    bool

	// background goroutines, and how many of them are inside listeners
	workers   int
	listening int
	idle      *sync.Cond

	disposeOnce sync.Once
	disposeErr  error
}

type Option func(*Engine)

func WithThumbnailWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.telemetry = tel
	}
}

func New(gw media.Gateway, source media.EventSource, resolver Resolver, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		gateway:    gw,
		source:     source,
		resolver:   resolver,
		listeners:  newRegistry(),
		sem:        make(chan struct{}, defaultThumbnailWorkers),
		ctx:        ctx,
		cancel:     cancel,
		thumbnails: make(map[media.TrackID]content.Handle),
		inflight:   make(map[media.TrackID]struct{}),
		downloads:  events.NewTable(),
	}

	e.idle = sync.NewCond(&e.mu)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Init opens the download event subscription. The subscription lives until
// Dispose, independent of ctx; ctx only supplies the logger.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()

		return ErrDisposed
	}

	if e.initialized {
		e.mu.Unlock()

		return ErrAlreadyInitialized
	}

	e.initialized = true
	e.ctx = logctx.WithLogger(e.ctx, logctx.LoggerFromContext(ctx))
	subCtx := e.ctx
	e.mu.Unlock()

	sub, err := e.source.Subscribe(subCtx)
	if err != nil {
		e.mu.Lock()
		e.initialized = false
		e.mu.Unlock()

		return fmt.Errorf("failed to subscribe to download events: %w", err)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()

		return errors.Join(ErrDisposed, sub.Close())
	}

	e.sub = sub
	e.workers++
	e.mu.Unlock()

	go func() {
		defer e.workerDone()

		e.consume(sub)
	}()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "engine initialized")

	return nil
}

// Dispose closes the event subscription, waits for background work and
// releases every locally allocated handle. Calling it again is a no-op.
// Background goroutines that are running listeners are not waited for, so a
// listener may call Dispose.
func (e *Engine) Dispose() error {
	e.disposeOnce.Do(func() {
		e.mu.Lock()
		e.disposed = true
		sub := e.sub
		e.mu.Unlock()

		e.cancel()

		if sub != nil {
			if err := sub.Close(); err != nil {
				e.disposeErr = fmt.Errorf("failed to close download subscription: %w", err)
			}
		}

		e.mu.Lock()
		for e.workers > e.listening {
			e.idle.Wait()
		}

		stale := slices.Collect(maps.Values(e.thumbnails))
		if e.selected != nil {
			stale = append(stale, e.selected.Handle)
		}

		e.thumbnails = make(map[media.TrackID]content.Handle)
		e.selected = nil
		e.mu.Unlock()

		e.release(stale...)
		e.listeners.clear()
	})

	return e.disposeErr
}

// Subscribe registers fn for kind and returns its disposer. The disposer may
// be called any number of times. ThumbnailUpdated listeners are called one
// snapshot at a time, in snapshot order, and must not call LoadPlaylist or
// RemoveTrack.
func (e *Engine) Subscribe(kind EventKind, fn Listener) (func(), error) {
	return e.listeners.add(kind, fn)
}

// LoadPlaylist replaces the playlist with the backend's, drops every cached
// thumbnail and fetches them again in the background. When calls overlap the
// last response to arrive wins.
func (e *Engine) LoadPlaylist(ctx context.Context) error {
	if e.isDisposed() {
		return ErrDisposed
	}

	tracks, err := e.gateway.ListTracks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load playlist: %w", err)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()

		return ErrDisposed
	}

	e.playlist = dedupe(tracks)
	stale := slices.Collect(maps.Values(e.thumbnails))
	e.thumbnails = make(map[media.TrackID]content.Handle)
	ids := trackIDs(e.playlist)
	e.mu.Unlock()

	e.release(stale...)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "playlist loaded", "tracks", len(ids))

	if len(stale) > 0 {
		e.publishThumbnails(0, false)
	}

	for _, id := range ids {
		e.fetchThumbnail(id)
	}

	return nil
}

// AddTrack asks the backend to add url. On success the track is appended and
// its thumbnail fetched; on failure the playlist is untouched and the error
// is a *media.BadLinkError, *media.NotFoundError or *media.TransportError.
func (e *Engine) AddTrack(ctx context.Context, url string) (media.Track, error) {
	if e.isDisposed() {
		return media.Track{}, ErrDisposed
	}

	track, err := e.gateway.AddTrack(ctx, url)
	if err != nil {
		return media.Track{}, classifyAddError(url, err)
	}

	e.mu.Lock()
	if i := e.indexOf(track.ID); i >= 0 {
		e.playlist[i] = track
	} else {
		e.playlist = append(e.playlist, track)
	}
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "track added", "track_id", track.ID, "title", track.Title)

	e.fetchThumbnail(track.ID)

	return track, nil
}

// RemoveTrack removes id from the backend and then from the playlist, along
// with its thumbnail. Download records are retained.
func (e *Engine) RemoveTrack(ctx context.Context, id media.TrackID) error {
	if e.isDisposed() {
		return ErrDisposed
	}

	if err := e.gateway.RemoveTrack(ctx, id); err != nil {
		return fmt.Errorf("failed to remove track %d: %w", id, err)
	}

	e.mu.Lock()
	if i := e.indexOf(id); i >= 0 {
		e.playlist = slices.Delete(e.playlist, i, i+1)
	}

	thumb, hadThumb := e.thumbnails[id]
	delete(e.thumbnails, id)
	e.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "track removed", "track_id", id)

	if hadThumb {
		e.release(thumb)
		e.publishThumbnails(id, false)
	}

	return nil
}

// SelectTrack fetches the media of id and resolves it to a playable handle.
// The previous selection's handle is released.
func (e *Engine) SelectTrack(ctx context.Context, id media.TrackID) (Selection, error) {
	if e.isDisposed() {
		return Selection{}, ErrDisposed
	}

	ref, err := e.gateway.FetchMedia(ctx, id)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to fetch media for track %d: %w", id, err)
	}

	e.mu.Lock()

	i := e.indexOf(id)
	if i < 0 {
		e.mu.Unlock()

		return Selection{}, &media.NotFoundError{ID: id}
	}

	handle, err := e.resolver.Resolve(ref)
	if err != nil {
		e.mu.Unlock()

		return Selection{}, fmt.Errorf("failed to resolve media for track %d: %w", id, err)
	}

	previous := e.selected
	e.selected = &Selection{Track: e.playlist[i], Handle: handle}
	sel := *e.selected
	e.mu.Unlock()

	if previous != nil && previous.Handle != handle {
		e.release(previous.Handle)
	}

	return sel, nil
}

// Playlist returns the tracks in backend order.
func (e *Engine) Playlist() []media.Track {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.playlist)
}

func (e *Engine) Thumbnails() map[media.TrackID]content.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return maps.Clone(e.thumbnails)
}

func (e *Engine) Downloads() map[media.TrackID]media.DownloadRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.downloads.Snapshot()
}

func (e *Engine) Selected() (Selection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selected == nil {
		return Selection{}, false
	}

	return *e.selected, true
}

func (e *Engine) consume(sub media.Subscription) {
	for ev := range sub.Events() {
		e.applyEvent(ev)
	}

	logger := logctx.LoggerFromContext(e.ctx)
	if e.ctx.Err() == nil {
		logger.WarnContext(e.ctx, "download event subscription ended")
	}
}

func (e *Engine) applyEvent(ev media.DownloadEvent) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()

		return
	}

	rec, applied := e.downloads.Apply(ev)
	var snap map[media.TrackID]media.DownloadRecord
	inProgress := e.downloads.InProgress()
	if applied {
		snap = e.downloads.Snapshot()
	}
	e.mu.Unlock()

	if !applied {
		logctx.LoggerFromContext(e.ctx).DebugContext(e.ctx, "ignoring download event for terminal record",
			"track_id", ev.Track.ID, "kind", ev.Kind.String(), "state", rec.State)
		e.telemetry.RecordDownloadEvent(ev.Kind.String(), "ignored")

		return
	}

	e.telemetry.RecordDownloadEvent(ev.Kind.String(), "applied")
	e.telemetry.RecordDownloadsInProgress(inProgress)

	e.notify(Event{Kind: DownloadStateChanged, TrackID: ev.Track.ID, Record: rec, Downloads: snap}, true)
}

// fetchThumbnail starts a background fetch for id unless one is in flight.
func (e *Engine) fetchThumbnail(id media.TrackID) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()

		return
	}

	if _, busy := e.inflight[id]; busy {
		e.mu.Unlock()

		return
	}

	e.inflight[id] = struct{}{}
	ctx := e.ctx
	e.workers++
	e.mu.Unlock()

	go func() {
		defer e.workerDone()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, id)
			e.mu.Unlock()
		}()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()

		e.loadThumbnail(ctx, id)
	}()
}

func (e *Engine) loadThumbnail(ctx context.Context, id media.TrackID) {
	logger := logctx.LoggerFromContext(ctx).With("track_id", id)

	ref, err := e.gateway.FetchThumbnail(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "failed to fetch thumbnail", "err", err)

		return
	}

	e.mu.Lock()
	if e.disposed || e.indexOf(id) < 0 {
		e.mu.Unlock()
		logger.DebugContext(ctx, "discarding thumbnail for track no longer in playlist")

		return
	}

	handle, err := e.resolver.Resolve(ref)
	if err != nil {
		e.mu.Unlock()
		logger.WarnContext(ctx, "failed to resolve thumbnail", "err", err)

		return
	}

	previous, had := e.thumbnails[id]
	e.thumbnails[id] = handle
	e.mu.Unlock()

	if had && previous != handle {
		e.release(previous)
	}

	e.publishThumbnails(id, true)
}

// publishThumbnails copies the thumbnail map and delivers it while holding
// publishMu, so listeners never see an older map after a newer one.
func (e *Engine) publishThumbnails(id media.TrackID, worker bool) {
	if worker {
		defer e.enterListeners()()
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mu.Lock()
	thumbs := maps.Clone(e.thumbnails)
	e.mu.Unlock()

	e.notify(Event{Kind: ThumbnailUpdated, TrackID: id, Thumbnails: thumbs}, false)
}

// notify calls the listeners of ev.Kind. worker marks a call from a
// background goroutine.
func (e *Engine) notify(ev Event, worker bool) {
	listeners := e.listeners.snapshot(ev.Kind)
	if len(listeners) == 0 {
		return
	}

	if worker {
		defer e.enterListeners()()
	}

	for _, fn := range listeners {
		fn(ev)
	}
}

// enterListeners marks the calling background goroutine as done mutating
// state, so Dispose stops waiting for it. The returned func undoes the mark.
func (e *Engine) enterListeners() func() {
	e.mu.Lock()
	e.listening++
	e.idle.Broadcast()
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		e.listening--
		e.mu.Unlock()
	}
}

func (e *Engine) workerDone() {
	e.mu.Lock()
	e.workers--
	e.idle.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) release(handles ...content.Handle) {
	for _, h := range handles {
		e.resolver.Release(h)
	}
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.disposed
}

// indexOf must be called with e.mu held.
func (e *Engine) indexOf(id media.TrackID) int {
	return slices.IndexFunc(e.playlist, func(t media.Track) bool { return t.ID == id })
}

// dedupe keeps the first occurrence of each id.
func dedupe(tracks []media.Track) []media.Track {
	seen := make(map[media.TrackID]struct{}, len(tracks))
	out := make([]media.Track, 0, len(tracks))

	for _, t := range tracks {
		if _, dup := seen[t.ID]; dup {
			continue
		}

		seen[t.ID] = struct{}{}
		out = append(out, t)
	}

	return out
}

func trackIDs(tracks []media.Track) []media.TrackID {
	ids := make([]media.TrackID, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}

	return ids
}

// classifyAddError maps the gateway's raw add failure onto the typed errors
// callers can show to users.
func classifyAddError(url string, err error) error {
	var failure *media.AddFailure
	if errors.As(err, &failure) {
		switch failure.Reason {
		case media.AddFailureBadLink:
			return &media.BadLinkError{URL: url, Err: failure}
		case media.AddFailureNotFound:
			return &media.NotFoundError{URL: url, Err: failure}
		default:
			return &media.TransportError{Operation: "add_new_audio", Message: failure.Message, Err: failure}
		}
	}

	var transport *media.TransportError
	if errors.As(err, &transport) {
		return err
	}

	return &media.TransportError{Operation: "add_new_audio", Message: err.Error(), Err: err}
}
