package media

import (
	"encoding/json"
	"fmt"
)

// ContentReference is either Remote or Embedded. A nil ContentReference
// carries no variant and is always malformed.
type ContentReference interface {
	variant() string
}

// Remote points at content the backend did not store locally.
type Remote struct {
	URL string
}

// Embedded carries the raw content bytes as returned by the backend.
type Embedded struct {
	Bytes []byte
	MIME  string
}

func (Remote) variant() string   { return "Url" }
func (Embedded) variant() string { return "Local" }

// DecodeContent decodes a tagged content reference. Exactly one of the
// "Url" or "Local" keys must be present.
func DecodeContent(data []byte) (ContentReference, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedContentError{Reason: "content is not a tagged object", Err: err}
	}

	if len(raw) != 1 {
		return nil, &MalformedContentError{Reason: fmt.Sprintf("expected exactly one variant, got %d", len(raw))}
	}

	if value, ok := raw["Url"]; ok {
		var url string
		if err := json.Unmarshal(value, &url); err != nil {
			return nil, &MalformedContentError{Reason: "Url variant is not a string", Err: err}
		}

		if url == "" {
			return nil, &MalformedContentError{Reason: "Url variant is empty"}
		}

		return Remote{URL: url}, nil
	}

	if value, ok := raw["Local"]; ok {
		var local struct {
			Bytes byteBuffer `json:"bytes"`
			MIME  string     `json:"mime"`
		}
		if err := json.Unmarshal(value, &local); err != nil {
			return nil, &MalformedContentError{Reason: "Local variant is invalid", Err: err}
		}

		return Embedded{Bytes: local.Bytes, MIME: local.MIME}, nil
	}

	for key := range raw {
		return nil, &MalformedContentError{Reason: fmt.Sprintf("unknown variant %q", key)}
	}

	return nil, &MalformedContentError{Reason: "no variant"}
}

// byteBuffer accepts either a JSON array of octets or a base64 string.
type byteBuffer []byte

func (b *byteBuffer) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var decoded []byte
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("invalid base64 bytes: %w", err)
		}

		*b = decoded

		return nil
	}

	var octets []int
	if err := json.Unmarshal(data, &octets); err != nil {
		return fmt.Errorf("bytes must be an array of octets: %w", err)
	}

	buf := make([]byte, len(octets))

	for i, o := range octets {
		if o < 0 || o > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, o)
		}

		buf[i] = byte(o)
	}

	*b = buf

	return nil
}
