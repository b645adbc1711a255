package gateway

import (
	"context"

	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/telemetry"
)

// InstrumentedGateway wraps a media.Gateway with telemetry.
type InstrumentedGateway struct {
	gateway   media.Gateway
	telemetry *telemetry.Telemetry
}

func NewInstrumentedGateway(gw media.Gateway, tel *telemetry.Telemetry) *InstrumentedGateway {
	return &InstrumentedGateway{gateway: gw, telemetry: tel}
}

var _ media.Gateway = (*InstrumentedGateway)(nil)

func (g *InstrumentedGateway) ListTracks(ctx context.Context) ([]media.Track, error) {
	var tracks []media.Track

	err := g.telemetry.InstrumentCall(ctx, methodGetPlaylist, func(ctx context.Context) error {
		var err error
		tracks, err = g.gateway.ListTracks(ctx)

		return err
	})

	return tracks, err
}

func (g *InstrumentedGateway) AddTrack(ctx context.Context, url string) (media.Track, error) {
	var track media.Track

	err := g.telemetry.InstrumentCall(ctx, methodAddAudio, func(ctx context.Context) error {
		var err error
		track, err = g.gateway.AddTrack(ctx, url)

		return err
	})

	return track, err
}

func (g *InstrumentedGateway) RemoveTrack(ctx context.Context, id media.TrackID) error {
	return g.telemetry.InstrumentCall(ctx, methodRemoveAudio, func(ctx context.Context) error {
		return g.gateway.RemoveTrack(ctx, id)
	})
}

func (g *InstrumentedGateway) FetchMedia(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	var ref media.ContentReference

	err := g.telemetry.InstrumentCall(ctx, methodGetMedia, func(ctx context.Context) error {
		var err error
		ref, err = g.gateway.FetchMedia(ctx, id)

		return err
	})

	return ref, err
}

func (g *InstrumentedGateway) FetchThumbnail(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	var ref media.ContentReference

	err := g.telemetry.InstrumentCall(ctx, methodGetThumbnail, func(ctx context.Context) error {
		var err error
		ref, err = g.gateway.FetchThumbnail(ctx, id)

		return err
	})

	return ref, err
}
