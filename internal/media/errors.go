package media

import (
	"fmt"
	"strconv"
)

// AddFailureReason is the backend's classification of a rejected add.
type AddFailureReason int

const (
	AddFailureOther AddFailureReason = iota
	AddFailureBadLink
	AddFailureNotFound
)

func (r AddFailureReason) String() string {
	switch r {
	case AddFailureBadLink:
		return "bad-link"
	case AddFailureNotFound:
		return "not-found"
	default:
		return "other"
	}
}

// ClassifyAddFailure maps the backend's error text to a reason.
func ClassifyAddFailure(message string) AddFailureReason {
	switch message {
	case "Bad link":
		return AddFailureBadLink
	case "Video not found", "Audio not found":
		return AddFailureNotFound
	default:
		return AddFailureOther
	}
}

// AddFailure is the raw, classified rejection of an add call as surfaced by
// the gateway. The engine turns it into BadLinkError, NotFoundError or
// TransportError.
type AddFailure struct {
	URL     string
	Reason  AddFailureReason
	Message string
}

func (e *AddFailure) Error() string {
	return fmt.Sprintf("backend rejected %s (%s): %s", e.URL, e.Reason, e.Message)
}

// BadLinkError means the backend rejected the source URL.
type BadLinkError struct {
	URL string
	Err error
}

func (e *BadLinkError) Error() string {
	return fmt.Sprintf("bad link: %s", e.URL)
}

func (e *BadLinkError) Unwrap() error {
	return e.Err
}

// NotFoundError means the backend could not resolve media for a valid URL,
// or a selected track is no longer in the playlist. Exactly one of URL and
// ID is meaningful.
type NotFoundError struct {
	URL string
	ID  TrackID
	Err error
}

func (e *NotFoundError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("media not found for %s", e.URL)
	}

	return fmt.Sprintf("track %d not found", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// MalformedContentError is a backend contract violation: a tagged value with
// zero, several or unknown variants.
type MalformedContentError struct {
	Reason string
	Err    error
}

func (e *MalformedContentError) Error() string {
	return fmt.Sprintf("malformed content: %s", e.Reason)
}

func (e *MalformedContentError) Unwrap() error {
	return e.Err
}

// TransportError is an opaque failure of the RPC transport or event channel.
type TransportError struct {
	Operation  string // e.g. "get_playlist", "subscribe"
	StatusCode int    // 0 for non-HTTP failures
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return "transport error during " + e.Operation + " (HTTP " + strconv.Itoa(e.StatusCode) + "): " + e.Message
	}

	return "transport error during " + e.Operation + ": " + e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
