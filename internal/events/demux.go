package events

import (
	"maps"

	"github.com/italolelis/playlist_sync/internal/media"
)

// Table demultiplexes download events into one record per track id.
// It is not safe for concurrent use; the owner serialises Apply calls.
type Table struct {
	records map[media.TrackID]media.DownloadRecord
}

func NewTable() *Table {
	return &Table{records: make(map[media.TrackID]media.DownloadRecord)}
}

// Apply folds ev into the record for its track and returns the updated
// record. applied is false when the event was ignored: only a started event
// may move a finished or failed record back to downloading.
func (t *Table) Apply(ev media.DownloadEvent) (rec media.DownloadRecord, applied bool) {
	id := ev.Track.ID
	current, exists := t.records[id]

	if exists && current.State.IsTerminal() && ev.Kind != media.EventStarted {
		return current, false
	}

	switch ev.Kind {
	case media.EventStarted:
		current = media.DownloadRecord{State: media.DownloadStateDownloading}
	case media.EventProgress:
		p := ev.Progress
		current.State = media.DownloadStateDownloading
		current.Progress = &p
		current.Error = ""
	case media.EventFinished:
		current.State = media.DownloadStateFinished
		current.Error = ""
	case media.EventError:
		current.State = media.DownloadStateError
		current.Error = ev.Message
	default:
		return current, false
	}

	current.Track = ev.Track
	t.records[id] = current

	return current, true
}

func (t *Table) Get(id media.TrackID) (media.DownloadRecord, bool) {
	rec, ok := t.records[id]

	return rec, ok
}

// Snapshot returns a copy of every record. Progress values are never
// mutated after Apply stores them, so sharing the pointers is safe.
func (t *Table) Snapshot() map[media.TrackID]media.DownloadRecord {
	return maps.Clone(t.records)
}

// InProgress counts records in the downloading state.
func (t *Table) InProgress() int {
	n := 0

	for _, rec := range t.records {
		if rec.State == media.DownloadStateDownloading {
			n++
		}
	}

	return n
}
