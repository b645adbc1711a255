package media

import (
	"context"
	"encoding/json"
	"fmt"
)

// PlatformYouTube is the provenance platform the backend currently emits.
const PlatformYouTube = "YouTube"

// TrackID identifies a track for its whole lifetime.
type TrackID uint32

// Track is the metadata of one playable playlist item. Tracks are never
// mutated in place; a refresh replaces them wholesale.
type Track struct {
	ID     TrackID    `json:"id"`
	Title  string     `json:"title"`
	Author string     `json:"author"`
	Source Provenance `json:"source"`
}

// Provenance describes where a track came from. On the wire it is an object
// with exactly one key, the platform, whose value is the source URL.
type Provenance struct {
	Platform string
	URL      string
}

func (p Provenance) MarshalJSON() ([]byte, error) {
	if p.Platform == "" {
		return []byte("null"), nil
	}

	return json.Marshal(map[string]string{p.Platform: p.URL})
}

func (p *Provenance) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode track source: %w", err)
	}

	if len(raw) != 1 {
		return fmt.Errorf("track source must name exactly one platform, got %d", len(raw))
	}

	for platform, url := range raw {
		p.Platform = platform
		p.URL = url
	}

	return nil
}

// Gateway is the typed remote call surface of the backend. Every call is
// exactly one round trip: no retries and no caching.
type Gateway interface {
	ListTracks(ctx context.Context) ([]Track, error)
	AddTrack(ctx context.Context, url string) (Track, error)
	RemoveTrack(ctx context.Context, id TrackID) error
	FetchMedia(ctx context.Context, id TrackID) (ContentReference, error)
	FetchThumbnail(ctx context.Context, id TrackID) (ContentReference, error)
}

// EventSource opens the backend's push-event channel.
type EventSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live push-event channel. Events is closed once the
// subscription ends; Close must be called exactly once by the owner and is
// safe to call again.
type Subscription interface {
	Events() <-chan DownloadEvent
	Close() error
}
