package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	list      func(ctx context.Context) ([]media.Track, error)
	add       func(ctx context.Context, url string) (media.Track, error)
	remove    func(ctx context.Context, id media.TrackID) error
	fetch     func(ctx context.Context, id media.TrackID) (media.ContentReference, error)
	thumbnail func(ctx context.Context, id media.TrackID) (media.ContentReference, error)

	thumbnailCalls atomic.Int32
}

func (g *fakeGateway) ListTracks(ctx context.Context) ([]media.Track, error) {
	if g.list == nil {
		return nil, nil
	}

	return g.list(ctx)
}

func (g *fakeGateway) AddTrack(ctx context.Context, url string) (media.Track, error) {
	return g.add(ctx, url)
}

func (g *fakeGateway) RemoveTrack(ctx context.Context, id media.TrackID) error {
	if g.remove == nil {
		return nil
	}

	return g.remove(ctx, id)
}

func (g *fakeGateway) FetchMedia(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	return g.fetch(ctx, id)
}

func (g *fakeGateway) FetchThumbnail(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	g.thumbnailCalls.Add(1)

	if g.thumbnail == nil {
		return media.Embedded{Bytes: []byte{byte(id)}, MIME: "image/jpeg"}, nil
	}

	return g.thumbnail(ctx, id)
}

type fakeSource struct {
	events chan media.DownloadEvent
	err    error
	closes atomic.Int32
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan media.DownloadEvent)}
}

func (s *fakeSource) Subscribe(context.Context) (media.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s, nil
}

func (s *fakeSource) Events() <-chan media.DownloadEvent {
	return s.events
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.events) })

	return nil
}

func track(id media.TrackID, title string) media.Track {
	return media.Track{ID: id, Title: title, Author: "Y", Source: media.Provenance{Platform: media.PlatformYouTube, URL: fmt.Sprintf("https://youtu.be/%d", id)}}
}

func newEngine(t *testing.T, gw *fakeGateway) (*Engine, *fakeSource, *content.Resolver) {
	t.Helper()

	src := newFakeSource()
	resolver := content.NewResolver("", nil)
	e := New(gw, src, resolver, WithThumbnailWorkers(2))

	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Dispose() })

	return e, src, resolver
}

func waitThumbnails(t *testing.T, e *Engine, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		return len(e.thumbnails) == n && len(e.inflight) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddTrackSequence(t *testing.T) {
	gw := &fakeGateway{
		add: func(_ context.Context, url string) (media.Track, error) {
			switch url {
			case "https://youtu.be/a":
				return track(1, "A"), nil
			case "https://youtu.be/b":
				return track(2, "B"), nil
			default:
				return track(3, "C"), nil
			}
		},
	}

	e, _, _ := newEngine(t, gw)

	for _, url := range []string{"https://youtu.be/a", "https://youtu.be/b", "https://youtu.be/c", "https://youtu.be/a"} {
		_, err := e.AddTrack(context.Background(), url)
		require.NoError(t, err)
	}

	playlist := e.Playlist()
	require.Len(t, playlist, 3)
	assert.Equal(t, []media.TrackID{1, 2, 3}, trackIDs(playlist))

	waitThumbnails(t, e, 3)
}

func TestAddTrackErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "bad link",
			err:  &media.AddFailure{URL: "x", Reason: media.AddFailureBadLink, Message: "Bad link"},
			check: func(t *testing.T, err error) {
				var target *media.BadLinkError
				assert.True(t, errors.As(err, &target))
			},
		},
		{
			name: "not found",
			err:  &media.AddFailure{URL: "x", Reason: media.AddFailureNotFound, Message: "Video not found"},
			check: func(t *testing.T, err error) {
				var target *media.NotFoundError
				require.True(t, errors.As(err, &target))
				assert.Equal(t, "x", target.URL)
			},
		},
		{
			name: "other",
			err:  &media.AddFailure{URL: "x", Reason: media.AddFailureOther, Message: "quota"},
			check: func(t *testing.T, err error) {
				var target *media.TransportError
				require.True(t, errors.As(err, &target))
				assert.Equal(t, "quota", target.Message)
			},
		},
		{
			name: "transport",
			err:  errors.New("connection refused"),
			check: func(t *testing.T, err error) {
				var target *media.TransportError
				assert.True(t, errors.As(err, &target))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{
				add: func(context.Context, string) (media.Track, error) { return media.Track{}, tt.err },
			}

			e, _, _ := newEngine(t, gw)

			_, err := e.AddTrack(context.Background(), "x")
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, e.Playlist())
		})
	}
}

func TestDownloadLifecycleIsPublishedInOrder(t *testing.T) {
	e, src, _ := newEngine(t, &fakeGateway{})

	received := make(chan Event, 10)
	_, err := e.Subscribe(DownloadStateChanged, func(ev Event) { received <- ev })
	require.NoError(t, err)

	src.events <- media.DownloadEvent{Kind: media.EventStarted, Track: track(7, "X")}
	src.events <- media.DownloadEvent{Kind: media.EventProgress, Track: track(7, "X"), Progress: media.Progress{Downloaded: 40, Total: 100}}
	src.events <- media.DownloadEvent{Kind: media.EventFinished, Track: track(7, "X")}

	var got []Event
	for range 3 {
		select {
		case ev := <-received:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for download events")
		}
	}

	assert.Equal(t, media.DownloadStateDownloading, got[0].Record.State)

	progress := got[1].Downloads[7]
	require.NotNil(t, progress.Progress)
	assert.Equal(t, media.Progress{Downloaded: 40, Total: 100}, *progress.Progress)
	assert.Equal(t, media.DownloadStateDownloading, progress.State)

	assert.Equal(t, media.DownloadStateFinished, got[2].Downloads[7].State)
	assert.Equal(t, media.DownloadStateFinished, e.Downloads()[7].State)
}

func TestErrorEventWithoutStarted(t *testing.T) {
	e, src, _ := newEngine(t, &fakeGateway{})

	src.events <- media.DownloadEvent{Kind: media.EventError, Track: track(4, "X"), Message: "disk full"}

	require.Eventually(t, func() bool {
		rec, ok := e.Downloads()[4]

		return ok && rec.State == media.DownloadStateError && rec.Error == "disk full"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIgnoredEventsAreNotPublished(t *testing.T) {
	e, src, _ := newEngine(t, &fakeGateway{})

	var calls atomic.Int32
	_, err := e.Subscribe(DownloadStateChanged, func(Event) { calls.Add(1) })
	require.NoError(t, err)

	src.events <- media.DownloadEvent{Kind: media.EventFinished, Track: track(1, "X")}
	src.events <- media.DownloadEvent{Kind: media.EventProgress, Track: track(1, "X"), Progress: media.Progress{Downloaded: 1, Total: 2}}
	src.events <- media.DownloadEvent{Kind: media.EventStarted, Track: track(1, "X")}

	require.Eventually(t, func() bool {
		return e.Downloads()[1].State == media.DownloadStateDownloading
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoveTrackKeepsDownloadRecord(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) {
			return []media.Track{track(1, "A"), track(3, "C")}, nil
		},
	}

	e, src, resolver := newEngine(t, gw)

	require.NoError(t, e.LoadPlaylist(context.Background()))
	waitThumbnails(t, e, 2)

	src.events <- media.DownloadEvent{Kind: media.EventStarted, Track: track(3, "C")}
	require.Eventually(t, func() bool { return len(e.Downloads()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.RemoveTrack(context.Background(), 3))

	assert.Equal(t, []media.TrackID{1}, trackIDs(e.Playlist()))
	assert.NotContains(t, e.Thumbnails(), media.TrackID(3))
	assert.Equal(t, 1, resolver.Live())
	assert.Equal(t, media.DownloadStateDownloading, e.Downloads()[3].State)
}

func TestRemoveTrackFailureLeavesPlaylist(t *testing.T) {
	gw := &fakeGateway{
		list:   func(context.Context) ([]media.Track, error) { return []media.Track{track(1, "A")}, nil },
		remove: func(context.Context, media.TrackID) error { return &media.TransportError{Operation: "remove_audio", Message: "boom"} },
	}

	e, _, _ := newEngine(t, gw)
	require.NoError(t, e.LoadPlaylist(context.Background()))

	err := e.RemoveTrack(context.Background(), 1)

	var transport *media.TransportError
	assert.True(t, errors.As(err, &transport))
	assert.Len(t, e.Playlist(), 1)
}

func TestUnsubscribeTwice(t *testing.T) {
	e, src, _ := newEngine(t, &fakeGateway{})

	var first, second atomic.Int32

	unsubscribe, err := e.Subscribe(DownloadStateChanged, func(Event) { first.Add(1) })
	require.NoError(t, err)

	_, err = e.Subscribe(DownloadStateChanged, func(Event) { second.Add(1) })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		unsubscribe()
		unsubscribe()
	})

	src.events <- media.DownloadEvent{Kind: media.EventStarted, Track: track(1, "X")}

	require.Eventually(t, func() bool { return second.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestSubscribeUnknownKind(t *testing.T) {
	e := New(&fakeGateway{}, newFakeSource(), content.NewResolver("", nil))

	_, err := e.Subscribe("playlist-changed", func(Event) {})
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestOverlappingLoadPlaylistLastResponseWins(t *testing.T) {
	tests := []struct {
		name        string
		releaseLast string
		want        []media.TrackID
	}{
		{"earlier call answers last", "first", []media.TrackID{1}},
		{"later call answers last", "second", []media.TrackID{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gates := map[string]chan struct{}{"first": make(chan struct{}), "second": make(chan struct{})}
			results := map[string][]media.Track{
				"first":  {track(1, "X")},
				"second": {track(2, "B"), track(3, "C")},
			}

			var calls atomic.Int32

			gw := &fakeGateway{
				list: func(context.Context) ([]media.Track, error) {
					name := "first"
					if calls.Add(1) == 2 {
						name = "second"
					}

					<-gates[name]

					return results[name], nil
				},
			}

			e, _, _ := newEngine(t, gw)

			var wg sync.WaitGroup

			firstDone := make(chan struct{})

			wg.Add(2)

			go func() {
				defer wg.Done()
				defer close(firstDone)

				assert.NoError(t, e.LoadPlaylist(context.Background()))
			}()

			require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)

			go func() {
				defer wg.Done()

				assert.NoError(t, e.LoadPlaylist(context.Background()))
			}()

			require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, time.Millisecond)

			other := "second"
			if tt.releaseLast == "second" {
				other = "first"
			}

			close(gates[other])
			waitFor := func(name string) {
				if name == "first" {
					<-firstDone

					return
				}

				require.Eventually(t, func() bool { return len(e.Playlist()) == len(results[name]) }, 5*time.Second, time.Millisecond)
			}
			waitFor(other)

			close(gates[tt.releaseLast])
			wg.Wait()

			assert.Equal(t, tt.want, trackIDs(e.Playlist()))
		})
	}
}

func TestLoadPlaylistReleasesSupersededThumbnails(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) {
			return []media.Track{track(1, "A"), track(2, "B")}, nil
		},
	}

	e, _, resolver := newEngine(t, gw)

	require.NoError(t, e.LoadPlaylist(context.Background()))
	waitThumbnails(t, e, 2)
	before := e.Thumbnails()

	require.NoError(t, e.LoadPlaylist(context.Background()))
	waitThumbnails(t, e, 2)

	require.Eventually(t, func() bool { return gw.thumbnailCalls.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		after := e.Thumbnails()

		return after[1] != before[1] && after[2] != before[2]
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, resolver.Live())
	assert.False(t, resolver.Owns(before[1]))
}

func TestThumbnailFailureDegradesToAbsent(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) {
			return []media.Track{track(1, "A"), track(2, "B")}, nil
		},
		thumbnail: func(_ context.Context, id media.TrackID) (media.ContentReference, error) {
			if id == 1 {
				return nil, &media.TransportError{Operation: "get_thumbnail", Message: "boom"}
			}

			return media.Remote{URL: "https://i.ytimg.com/2.jpg"}, nil
		},
	}

	e, _, _ := newEngine(t, gw)

	updated := make(chan Event, 4)
	_, err := e.Subscribe(ThumbnailUpdated, func(ev Event) { updated <- ev })
	require.NoError(t, err)

	require.NoError(t, e.LoadPlaylist(context.Background()))

	select {
	case ev := <-updated:
		assert.Equal(t, media.TrackID(2), ev.TrackID)
		assert.Equal(t, content.Handle("https://i.ytimg.com/2.jpg"), ev.Thumbnails[2])
	case <-time.After(5 * time.Second):
		t.Fatal("no thumbnail update")
	}

	require.Eventually(t, func() bool { return gw.thumbnailCalls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, e.Thumbnails(), media.TrackID(1))
}

func TestThumbnailForRemovedTrackIsDiscarded(t *testing.T) {
	release := make(chan struct{})

	gw := &fakeGateway{
		add: func(context.Context, string) (media.Track, error) { return track(5, "E"), nil },
		thumbnail: func(context.Context, media.TrackID) (media.ContentReference, error) {
			<-release

			return media.Embedded{Bytes: []byte{5}, MIME: "image/png"}, nil
		},
	}

	e, _, resolver := newEngine(t, gw)

	_, err := e.AddTrack(context.Background(), "https://youtu.be/e")
	require.NoError(t, err)
	require.NoError(t, e.RemoveTrack(context.Background(), 5))

	close(release)

	require.Eventually(t, func() bool { return gw.thumbnailCalls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Dispose())
	assert.Equal(t, 0, resolver.Live())
	assert.Empty(t, e.Thumbnails())
}

func TestSelectTrack(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) {
			return []media.Track{track(1, "A"), track(2, "B")}, nil
		},
		thumbnail: func(context.Context, media.TrackID) (media.ContentReference, error) {
			return media.Remote{URL: "https://i.ytimg.com/t.jpg"}, nil
		},
		fetch: func(_ context.Context, id media.TrackID) (media.ContentReference, error) {
			return media.Embedded{Bytes: []byte("ID3"), MIME: "audio/mpeg"}, nil
		},
	}

	e, _, resolver := newEngine(t, gw)
	require.NoError(t, e.LoadPlaylist(context.Background()))

	first, err := e.SelectTrack(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "A", first.Track.Title)
	assert.True(t, resolver.Owns(first.Handle))

	second, err := e.SelectTrack(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, resolver.Owns(first.Handle))
	assert.True(t, resolver.Owns(second.Handle))

	selected, ok := e.Selected()
	require.True(t, ok)
	assert.Equal(t, second, selected)

	_, err = e.SelectTrack(context.Background(), 9)

	var notFound *media.NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, media.TrackID(9), notFound.ID)
	assert.Equal(t, 1, resolver.Live())
}

func TestSelectTrackMalformedMedia(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) { return []media.Track{track(1, "A")}, nil },
		fetch: func(context.Context, media.TrackID) (media.ContentReference, error) {
			return nil, nil
		},
	}

	e, _, _ := newEngine(t, gw)
	require.NoError(t, e.LoadPlaylist(context.Background()))

	_, err := e.SelectTrack(context.Background(), 1)

	var malformed *media.MalformedContentError
	assert.True(t, errors.As(err, &malformed))
}

func TestDispose(t *testing.T) {
	gw := &fakeGateway{
		add: func(context.Context, string) (media.Track, error) { return track(1, "A"), nil },
	}

	src := newFakeSource()
	resolver := content.NewResolver("", nil)
	e := New(gw, src, resolver)

	require.NoError(t, e.Init(context.Background()))
	assert.ErrorIs(t, e.Init(context.Background()), ErrAlreadyInitialized)

	_, err := e.AddTrack(context.Background(), "https://youtu.be/a")
	require.NoError(t, err)
	waitThumbnails(t, e, 1)

	require.NoError(t, e.Dispose())
	require.NoError(t, e.Dispose())

	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, 0, resolver.Live())

	_, err = e.AddTrack(context.Background(), "https://youtu.be/a")
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, e.Init(context.Background()), ErrDisposed)
}

func TestInitSubscribeFailure(t *testing.T) {
	src := newFakeSource()
	src.err = &media.TransportError{Operation: "subscribe", StatusCode: 502, Message: "bad gateway"}

	e := New(&fakeGateway{}, src, content.NewResolver("", nil))

	err := e.Init(context.Background())

	var transport *media.TransportError
	require.True(t, errors.As(err, &transport))

	src.err = nil
	require.NoError(t, e.Init(context.Background()))
	require.NoError(t, e.Dispose())
}

func TestThumbnailSnapshotsAreDeliveredInOrder(t *testing.T) {
	gw := &fakeGateway{
		list: func(context.Context) ([]media.Track, error) {
			return []media.Track{track(1, "A"), track(2, "B")}, nil
		},
	}

	e, _, _ := newEngine(t, gw)

	var (
		slow       sync.Once
		mu         sync.Mutex
		last       map[media.TrackID]content.Handle
		deliveries int
	)

	_, err := e.Subscribe(ThumbnailUpdated, func(Event) {
		slow.Do(func() {
			// hold the first delivery until both thumbnails are stored
			assert.Eventually(t, func() bool { return len(e.Thumbnails()) == 2 }, 5*time.Second, time.Millisecond)
		})
	})
	require.NoError(t, err)

	_, err = e.Subscribe(ThumbnailUpdated, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()

		last = ev.Thumbnails
		deliveries++
	})
	require.NoError(t, err)

	require.NoError(t, e.LoadPlaylist(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return deliveries == 2
	}, 5*time.Second, 10*time.Millisecond)
	waitThumbnails(t, e, 2)

	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, last, 2)
	assert.Equal(t, e.Thumbnails(), last)
}

func TestDisposeFromListener(t *testing.T) {
	tests := []struct {
		name    string
		kind    EventKind
		trigger func(t *testing.T, e *Engine, src *fakeSource)
	}{
		{
			name: "download state changed",
			kind: DownloadStateChanged,
			trigger: func(t *testing.T, _ *Engine, src *fakeSource) {
				src.events <- media.DownloadEvent{Kind: media.EventStarted, Track: track(1, "A")}
			},
		},
		{
			name: "thumbnail updated",
			kind: ThumbnailUpdated,
			trigger: func(t *testing.T, e *Engine, _ *fakeSource) {
				_, err := e.AddTrack(context.Background(), "https://youtu.be/a")
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{
				add: func(context.Context, string) (media.Track, error) { return track(1, "A"), nil },
			}

			e, src, resolver := newEngine(t, gw)

			disposed := make(chan error, 1)
			_, err := e.Subscribe(tt.kind, func(Event) { disposed <- e.Dispose() })
			require.NoError(t, err)

			tt.trigger(t, e, src)

			select {
			case err := <-disposed:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("dispose from listener did not return")
			}

			assert.Equal(t, int32(1), src.closes.Load())
			assert.Equal(t, 0, resolver.Live())
			assert.ErrorIs(t, e.LoadPlaylist(context.Background()), ErrDisposed)
		})
	}
}
