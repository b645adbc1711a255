package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/playlist_sync/internal/config"
	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/engine"
	"github.com/italolelis/playlist_sync/internal/events"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/telemetry"
	"github.com/urfave/cli/v3"
)

func newApp(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:    serviceName,
		Usage:   "Mirror a playlist backend's tracks, thumbnails and downloads",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the sync engine and serve its state over HTTP",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return run(ctx, cfg)
				},
			},
			{
				Name:  "list",
				Usage: "List the backend's playlist",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listTracks(ctx, cfg, os.Stdout, cmd.Bool("json"))
				},
			},
			{
				Name:  "add",
				Usage: "Add a track by source URL",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "url",
						UsageText: "Source URL, e.g. https://youtu.be/...",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return addTrack(ctx, cfg, os.Stdout, cmd.StringArg("url"))
				},
			},
			{
				Name:  "remove",
				Usage: "Remove a track by id",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "id",
						UsageText: "Track id as shown by list",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return removeTrack(ctx, cfg, cmd.StringArg("id"))
				},
			},
			{
				Name:  "watch",
				Usage: "Follow download progress until interrupted",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return watchDownloads(ctx, cfg, os.Stdout)
				},
			},
		},
	}
}

// newCLIEngine builds an engine for one-shot commands. Thumbnails are never
// served, so handles are relative.
func newCLIEngine(cfg *config.Config) *engine.Engine {
	tel := &telemetry.Telemetry{}

	source := events.NewSource(cfg.BackendURL,
		events.WithChannel(cfg.EventChannel),
		events.WithToken(cfg.BackendToken),
		events.WithReconnectMaxElapsed(cfg.ReconnectMaxElapsed),
	)

	return engine.New(buildGateway(cfg, tel), source, content.NewResolver("", tel))
}

func listTracks(ctx context.Context, cfg *config.Config, out io.Writer, asJSON bool) error {
	tracks, err := buildGateway(cfg, nil).ListTracks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(tracks)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tSOURCE")

	for _, t := range tracks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.ID, t.Title, t.Author, t.Source.URL)
	}

	return tw.Flush()
}

func addTrack(ctx context.Context, cfg *config.Config, out io.Writer, url string) error {
	if url == "" {
		return errors.New("a source url is required")
	}

	eng := newCLIEngine(cfg)
	defer eng.Dispose()

	track, err := eng.AddTrack(ctx, url)
	if err != nil {
		var (
			badLink  *media.BadLinkError
			notFound *media.NotFoundError
		)

		switch {
		case errors.As(err, &badLink):
			return fmt.Errorf("the backend does not accept %s", url)
		case errors.As(err, &notFound):
			return fmt.Errorf("no media found at %s", url)
		default:
			return err
		}
	}

	fmt.Fprintf(out, "added %d: %s by %s\n", track.ID, track.Title, track.Author)

	return nil
}

func removeTrack(ctx context.Context, cfg *config.Config, rawID string) error {
	id, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid track id %q: %w", rawID, err)
	}

	eng := newCLIEngine(cfg)
	defer eng.Dispose()

	return eng.RemoveTrack(ctx, media.TrackID(id))
}

func watchDownloads(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := logctx.LoggerFromContext(ctx)

	eng := newCLIEngine(cfg)
	defer eng.Dispose()

	unsubscribe, err := eng.Subscribe(engine.DownloadStateChanged, func(ev engine.Event) {
		fmt.Fprintln(out, formatRecord(ev.TrackID, ev.Record))
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	if err := eng.Init(ctx); err != nil {
		return err
	}

	logger.Info("watching downloads", "channel", cfg.EventChannel)

	<-ctx.Done()

	return nil
}

func formatRecord(id media.TrackID, rec media.DownloadRecord) string {
	line := fmt.Sprintf("[%d] %s: %s", id, rec.Track.Title, rec.State)

	switch {
	case rec.State == media.DownloadStateError:
		line += " (" + rec.Error + ")"
	case rec.Progress != nil && rec.Progress.Total > 0:
		line += fmt.Sprintf(" %s / %s (%.0f%%)",
			humanize.Bytes(rec.Progress.Downloaded),
			humanize.Bytes(rec.Progress.Total),
			rec.Progress.Percent(),
		)
	}

	return line
}
