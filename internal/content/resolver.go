// Package content turns backend content references into resource handles
// that a player or image element can load directly.
package content

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/telemetry"
)

// BlobPath is the route prefix under which locally allocated handles are served.
const BlobPath = "/blobs/"

const defaultMIME = "application/octet-stream"

// Handle is a display or playback source: either the backend's remote URL or
// a URL pointing at a blob allocated by a Resolver.
type Handle string

type blob struct {
	data    []byte
	mime    string
	created time.Time
}

// Resolver allocates blob handles for embedded content and serves them until
// they are released. It is safe for concurrent use.
type Resolver struct {
	origin    string
	telemetry *telemetry.Telemetry

	mu    sync.RWMutex
	blobs map[string]blob
}

// NewResolver creates a resolver whose handles are rooted at origin, for
// example "http://localhost:9091". An empty origin yields relative handles.
func NewResolver(origin string, tel *telemetry.Telemetry) *Resolver {
	return &Resolver{
		origin:    strings.TrimRight(origin, "/"),
		telemetry: tel,
		blobs:     make(map[string]blob),
	}
}

// Resolve returns a Remote URL unchanged and allocates a fresh blob handle for
// Embedded content. The caller owns an allocated handle and must Release it.
func (r *Resolver) Resolve(ref media.ContentReference) (Handle, error) {
	switch ref := ref.(type) {
	case media.Remote:
		if ref.URL == "" {
			return "", &media.MalformedContentError{Reason: "remote reference without url"}
		}

		return Handle(ref.URL), nil
	case media.Embedded:
		mime := ref.MIME
		if mime == "" {
			mime = defaultMIME
		}

		id := uuid.NewString()

		r.mu.Lock()
		r.blobs[id] = blob{data: ref.Bytes, mime: mime, created: time.Now()}
		r.mu.Unlock()

		r.telemetry.IncrementLiveHandles()

		return Handle(r.origin + BlobPath + id), nil
	default:
		return "", &media.MalformedContentError{Reason: "content reference has no variant"}
	}
}

// Release frees a handle allocated by Resolve. Remote handles, unknown
// handles and already released handles are ignored.
func (r *Resolver) Release(h Handle) {
	id, ok := r.blobID(h)
	if !ok {
		return
	}

	r.mu.Lock()
	_, found := r.blobs[id]
	delete(r.blobs, id)
	r.mu.Unlock()

	if found {
		r.telemetry.DecrementLiveHandles()
	}
}

// Owns reports whether h is a live handle allocated by this resolver.
func (r *Resolver) Owns(h Handle) bool {
	id, ok := r.blobID(h)
	if !ok {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, found := r.blobs[id]

	return found
}

// Live returns the number of allocated handles not yet released.
func (r *Resolver) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.blobs)
}

func (r *Resolver) blobID(h Handle) (string, bool) {
	prefix := r.origin + BlobPath

	s := string(h)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}

	return strings.TrimPrefix(s, prefix), true
}

// ServeBlob serves the blob named by the "id" route parameter. Released or
// unknown blobs answer 404.
func (r *Resolver) ServeBlob(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")

	r.mu.RLock()
	b, ok := r.blobs[id]
	r.mu.RUnlock()

	if !ok {
		http.Error(w, "blob not found", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", b.mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")

	http.ServeContent(w, req, id, b.created, bytes.NewReader(b.data))
}
