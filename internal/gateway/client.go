// Package gateway is the typed JSON-RPC client for the playlist backend.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/italolelis/playlist_sync/internal/gateway/progress"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	rpcPath = "/rpc"

	// Media payloads can be several megabytes; progress is logged every chunk.
	progressInterval = 1 << 20
	errorBodyLimit   = 4 << 10

	methodGetPlaylist  = "get_playlist"
	methodAddAudio     = "add_new_audio"
	methodRemoveAudio  = "remove_audio"
	methodGetMedia     = "get_media"
	methodGetThumbnail = "get_thumbnail"
)

// RemoteError is an error string returned by the backend in the RPC envelope.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

type urlParams struct {
	URL string `json:"url"`
}

type idParams struct {
	ID media.TrackID `json:"id"`
}

// Client talks to the backend over HTTP. Every method is a single round trip.
type Client struct {
	endpoint   string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	nextID     atomic.Uint64
}

type Option func(*Client)

// WithToken sends token as a bearer token on every call.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout bounds each round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + rpcPath,
		timeout:  30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

		if c.token != "" {
			transport = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}),
				Base:   transport,
			}
		}

		c.httpClient = &http.Client{Transport: transport, Timeout: c.timeout}
	}

	return c
}

var _ media.Gateway = (*Client)(nil)

func (c *Client) ListTracks(ctx context.Context) ([]media.Track, error) {
	raw, err := c.call(ctx, methodGetPlaylist, nil)
	if err != nil {
		return nil, wrapRemote(methodGetPlaylist, err)
	}

	var tracks []media.Track
	if err := json.Unmarshal(raw, &tracks); err != nil {
		return nil, &media.TransportError{Operation: methodGetPlaylist, Message: "failed to decode playlist", Err: err}
	}

	return tracks, nil
}

// AddTrack asks the backend to fetch url. A rejection is returned as a
// *media.AddFailure carrying the backend's classification.
func (c *Client) AddTrack(ctx context.Context, url string) (media.Track, error) {
	raw, err := c.call(ctx, methodAddAudio, urlParams{URL: url})
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return media.Track{}, &media.AddFailure{
				URL:     url,
				Reason:  media.ClassifyAddFailure(remote.Message),
				Message: remote.Message,
			}
		}

		return media.Track{}, err
	}

	var track media.Track
	if err := json.Unmarshal(raw, &track); err != nil {
		return media.Track{}, &media.TransportError{Operation: methodAddAudio, Message: "failed to decode track", Err: err}
	}

	return track, nil
}

func (c *Client) RemoveTrack(ctx context.Context, id media.TrackID) error {
	if _, err := c.call(ctx, methodRemoveAudio, idParams{ID: id}); err != nil {
		return wrapRemote(methodRemoveAudio, err)
	}

	return nil
}

func (c *Client) FetchMedia(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	return c.fetchContent(ctx, methodGetMedia, id)
}

func (c *Client) FetchThumbnail(ctx context.Context, id media.TrackID) (media.ContentReference, error) {
	return c.fetchContent(ctx, methodGetThumbnail, id)
}

func (c *Client) fetchContent(ctx context.Context, method string, id media.TrackID) (media.ContentReference, error) {
	raw, err := c.call(ctx, method, idParams{ID: id})
	if err != nil {
		return nil, wrapRemote(method, err)
	}

	ref, err := media.DecodeContent(raw)
	if err != nil {
		return nil, fmt.Errorf("%s for track %d: %w", method, id, err)
	}

	return ref, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	body, err := json.Marshal(request{ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &media.TransportError{Operation: method, Message: "failed to create request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	logger.DebugContext(ctx, "sending rpc request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &media.TransportError{Operation: method, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		logger.WarnContext(ctx, "non-200 response", "status", resp.StatusCode, "body", string(b))

		return nil, &media.TransportError{Operation: method, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	var rpcResp response
	if err := json.NewDecoder(progress.Logged(ctx, resp.Body, resp.ContentLength, progressInterval, method)).Decode(&rpcResp); err != nil {
		return nil, &media.TransportError{Operation: method, Message: "failed to decode response", Err: err}
	}

	if rpcResp.Error != nil {
		logger.DebugContext(ctx, "backend returned an error", "error", *rpcResp.Error)

		return nil, &RemoteError{Method: method, Message: *rpcResp.Error}
	}

	return rpcResp.Result, nil
}

// wrapRemote turns a backend error string into an opaque transport failure.
// Other errors are already typed and pass through.
func wrapRemote(method string, err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &media.TransportError{Operation: method, Message: remote.Message, Err: remote}
	}

	return err
}
