package events

import (
	"encoding/json"
	"fmt"

	"github.com/italolelis/playlist_sync/internal/media"
)

const (
	tagStarted  = "StartDownload"
	tagProgress = "Download"
	tagFinished = "FinishedDownload"
	tagError    = "ErrorDownload"
)

type trackPayload struct {
	Audio *media.Track `json:"audio"`
}

type progressPayload struct {
	Audio      *media.Track `json:"audio"`
	Downloaded uint64       `json:"downloaded"`
	Total      uint64       `json:"total"`
}

type errorPayload struct {
	Audio *media.Track `json:"audio"`
	Error string       `json:"error"`
}

// DecodeEvent decodes one tagged download event. A payload with zero,
// several or unknown variants, or without a track, is a
// *media.MalformedContentError.
func DecodeEvent(data []byte) (media.DownloadEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return media.DownloadEvent{}, &media.MalformedContentError{Reason: "event is not a tagged object", Err: err}
	}

	if len(raw) != 1 {
		return media.DownloadEvent{}, &media.MalformedContentError{Reason: fmt.Sprintf("expected exactly one event variant, got %d", len(raw))}
	}

	for tag, body := range raw {
		switch tag {
		case tagStarted, tagFinished:
			var p trackPayload
			if err := decodePayload(tag, body, &p); err != nil {
				return media.DownloadEvent{}, err
			}

			kind := media.EventStarted
			if tag == tagFinished {
				kind = media.EventFinished
			}

			return withTrack(tag, kind, p.Audio)
		case tagProgress:
			var p progressPayload
			if err := decodePayload(tag, body, &p); err != nil {
				return media.DownloadEvent{}, err
			}

			ev, err := withTrack(tag, media.EventProgress, p.Audio)
			ev.Progress = media.Progress{Downloaded: p.Downloaded, Total: p.Total}

			return ev, err
		case tagError:
			var p errorPayload
			if err := decodePayload(tag, body, &p); err != nil {
				return media.DownloadEvent{}, err
			}

			ev, err := withTrack(tag, media.EventError, p.Audio)
			ev.Message = p.Error

			return ev, err
		default:
			return media.DownloadEvent{}, &media.MalformedContentError{Reason: fmt.Sprintf("unknown event variant %q", tag)}
		}
	}

	return media.DownloadEvent{}, &media.MalformedContentError{Reason: "no event variant"}
}

func decodePayload(tag string, body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &media.MalformedContentError{Reason: tag + " payload is invalid", Err: err}
	}

	return nil
}

func withTrack(tag string, kind media.EventKind, track *media.Track) (media.DownloadEvent, error) {
	if track == nil {
		return media.DownloadEvent{}, &media.MalformedContentError{Reason: tag + " without audio"}
	}

	return media.DownloadEvent{Kind: kind, Track: *track}, nil
}
