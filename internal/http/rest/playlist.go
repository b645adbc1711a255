package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/playlist_sync/internal/content"
	"github.com/italolelis/playlist_sync/internal/engine"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/storage"
	"github.com/italolelis/playlist_sync/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodySize         = 64 << 10
)

// PlaylistStore is the view-facing state the handler serves.
type PlaylistStore interface {
	Snapshot() store.State
	Load(ctx context.Context) error
	AddTrack(ctx context.Context, url string) (media.Track, error)
	RemoveTrack(ctx context.Context, id media.TrackID)
	SelectTrack(ctx context.Context, id media.TrackID) (engine.Selection, error)
}

type BlobServer interface {
	ServeBlob(w http.ResponseWriter, r *http.Request)
}

type addTrackRequest struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type PlaylistHandler struct {
	store   PlaylistStore
	blobs   BlobServer
	history storage.OutcomeReadRepository
}

func NewPlaylistHandler(s PlaylistStore, blobs BlobServer, history storage.OutcomeReadRepository) *PlaylistHandler {
	return &PlaylistHandler{
		store:   s,
		blobs:   blobs,
		history: history,
	}
}

func (h *PlaylistHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.HandleState)
		r.Post("/playlist/reload", h.HandleReload)
		r.Post("/tracks", h.HandleAddTrack)
		r.Delete("/tracks/{id}", h.HandleRemoveTrack)
		r.Post("/tracks/{id}/select", h.HandleSelectTrack)
		r.Get("/history", h.HandleHistory)
	})

	r.Get(content.BlobPath+"{id}", h.blobs.ServeBlob)

	return r
}

func (h *PlaylistHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.store.Snapshot())
}

func (h *PlaylistHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Load(r.Context()); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, h.store.Snapshot())
}

func (h *PlaylistHandler) HandleAddTrack(w http.ResponseWriter, r *http.Request) {
	var req addTrackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil || req.URL == "" {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "body must be {\"url\": \"...\"}", Kind: "invalid-request"})

		return
	}

	track, err := h.store.AddTrack(r.Context(), req.URL)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, track)
}

// HandleRemoveTrack always answers 204: a failed removal leaves the track in
// the playlist, which the next state read shows.
func (h *PlaylistHandler) HandleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := trackID(w, r)
	if !ok {
		return
	}

	h.store.RemoveTrack(r.Context(), id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *PlaylistHandler) HandleSelectTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := trackID(w, r)
	if !ok {
		return
	}

	sel, err := h.store.SelectTrack(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, sel)
}

func (h *PlaylistHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Kind: "invalid-request"})

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	outcomes, err := h.history.GetOutcomes(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	if outcomes == nil {
		outcomes = []storage.Outcome{}
	}

	writeJSON(r.Context(), w, http.StatusOK, outcomes)
}

func trackID(w http.ResponseWriter, r *http.Request) (media.TrackID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "track id must be a non-negative integer", Kind: "invalid-request"})

		return 0, false
	}

	return media.TrackID(id), true
}

// writeError maps the error taxonomy onto HTTP statuses. Only bad-link and
// not-found carry a message meant for users.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		badLink   *media.BadLinkError
		notFound  *media.NotFoundError
		malformed *media.MalformedContentError
		transport *media.TransportError
	)

	switch {
	case errors.As(err, &badLink):
		writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{Error: badLink.Error(), Kind: "bad-link"})
	case errors.As(err, &notFound):
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: notFound.Error(), Kind: "not-found"})
	case errors.As(err, &malformed):
		logger.ErrorContext(ctx, "backend returned malformed content", "err", err)
		writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "backend returned malformed content", Kind: "malformed-content"})
	case errors.As(err, &transport):
		logger.ErrorContext(ctx, "backend call failed", "err", err)
		writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "backend unavailable", Kind: "transport"})
	case errors.Is(err, engine.ErrDisposed):
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "shutting down", Kind: "unavailable"})
	default:
		logger.ErrorContext(ctx, "request failed", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal server error", Kind: "internal"})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
