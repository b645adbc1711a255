package media

// DownloadState is the lifecycle state of a background download.
type DownloadState string

const (
	DownloadStateDownloading DownloadState = "downloading"
	DownloadStateFinished    DownloadState = "finished"
	DownloadStateError       DownloadState = "error"
)

// IsTerminal reports whether only a new started event can leave this state.
func (s DownloadState) IsTerminal() bool {
	return s == DownloadStateFinished || s == DownloadStateError
}

type Progress struct {
	Downloaded uint64 `json:"downloaded"`
	Total      uint64 `json:"total"`
}

// Percent returns 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}

	return float64(p.Downloaded) * 100 / float64(p.Total)
}

// DownloadRecord is the per-track view of a background download. Track is
// the snapshot carried by the latest event, so the record stays meaningful
// after the track leaves the playlist.
type DownloadRecord struct {
	State    DownloadState `json:"state"`
	Progress *Progress     `json:"progress,omitempty"`
	Error    string        `json:"error,omitempty"`
	Track    Track         `json:"track"`
}

// EventKind tags an inbound download lifecycle event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventFinished
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// DownloadEvent is one decoded push event. Progress is set only for
// EventProgress and Message only for EventError.
type DownloadEvent struct {
	Kind     EventKind
	Track    Track
	Progress Progress
	Message  string
}
