package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAddFailure(t *testing.T) {
	tests := []struct {
		message string
		want    AddFailureReason
	}{
		{"Bad link", AddFailureBadLink},
		{"Video not found", AddFailureNotFound},
		{"Audio not found", AddFailureNotFound},
		{"Unknown error", AddFailureOther},
		{"", AddFailureOther},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAddFailure(tt.message))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bad link", &BadLinkError{URL: "https://example.com"}, "bad link: https://example.com"},
		{"not found by url", &NotFoundError{URL: "https://youtu.be/x"}, "media not found for https://youtu.be/x"},
		{"not found by id", &NotFoundError{ID: 3}, "track 3 not found"},
		{"malformed", &MalformedContentError{Reason: "no variant"}, "malformed content: no variant"},
		{"transport with status", &TransportError{Operation: "get_media", StatusCode: 502, Message: "bad gateway"}, "transport error during get_media (HTTP 502): bad gateway"},
		{"transport without status", &TransportError{Operation: "subscribe", Message: "connection reset"}, "transport error during subscribe: connection reset"},
		{"add failure", &AddFailure{URL: "u", Reason: AddFailureBadLink, Message: "Bad link"}, "backend rejected u (bad-link): Bad link"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsUnwrapThroughChain(t *testing.T) {
	cause := errors.New("connection refused")

	wrapped := fmt.Errorf("context: %w", &TransportError{Operation: "get_playlist", Message: "dial", Err: cause})
	assert.ErrorIs(t, wrapped, cause)

	var target *TransportError
	require.ErrorAs(t, wrapped, &target)
	assert.Equal(t, "get_playlist", target.Operation)

	var badLink *BadLinkError
	assert.ErrorAs(t, fmt.Errorf("add: %w", &BadLinkError{URL: "x", Err: cause}), &badLink)
	assert.Nil(t, errors.Unwrap(&NotFoundError{ID: 1}))
}
