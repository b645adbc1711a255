// Package events subscribes to the backend's download push channel and
// folds its tagged lifecycle events into per-track download records.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/playlist_sync/internal/logctx"
	"github.com/italolelis/playlist_sync/internal/media"
	"github.com/italolelis/playlist_sync/internal/telemetry"
	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	DefaultChannel = "download"

	eventsPath     = "/events"
	maxEventSize   = 1 << 20
	eventBuffer    = 64
	errorBodyLimit = 4 << 10
)

// Source opens Server-Sent Events subscriptions on one named channel.
type Source struct {
	endpoint   string
	channel    string
	token      string
	maxElapsed time.Duration
	httpClient *http.Client
	telemetry  *telemetry.Telemetry
}

type Option func(*Source)

func WithChannel(channel string) Option {
	return func(s *Source) {
		s.channel = channel
	}
}

func WithToken(token string) Option {
	return func(s *Source) {
		s.token = token
	}
}

// WithReconnectMaxElapsed bounds how long a dropped stream is retried
// before the subscription gives up.
func WithReconnectMaxElapsed(d time.Duration) Option {
	return func(s *Source) {
		s.maxElapsed = d
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Source) {
		s.httpClient = hc
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Source) {
		s.telemetry = tel
	}
}

func NewSource(baseURL string, opts ...Option) *Source {
	s := &Source{
		channel:    DefaultChannel,
		maxElapsed: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.endpoint = strings.TrimRight(baseURL, "/") + eventsPath + "?" + url.Values{"channel": {s.channel}}.Encode()

	if s.httpClient == nil {
		var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

		if s.token != "" {
			transport = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}),
				Base:   transport,
			}
		}

		// No client timeout: the stream stays open for the subscription lifetime.
		s.httpClient = &http.Client{Transport: transport}
	}

	return s
}

var _ media.EventSource = (*Source)(nil)

// Subscribe connects to the channel and keeps the connection alive until ctx
// is cancelled or the subscription is closed. The first connection attempt is
// synchronous so an unreachable backend is reported to the caller.
func (s *Source) Subscribe(ctx context.Context) (media.Subscription, error) {
	body, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		events: make(chan media.DownloadEvent, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.events)

		s.run(ctx, body, sub.events)
	}()

	return sub, nil
}

func (s *Source) run(ctx context.Context, body io.ReadCloser, out chan<- media.DownloadEvent) {
	logger := logctx.LoggerFromContext(ctx).With("channel", s.channel)

	for {
		err := s.consume(ctx, body, out)
		body.Close()

		if ctx.Err() != nil {
			return
		}

		logger.WarnContext(ctx, "event stream dropped, reconnecting", "err", err)

		body, err = backoff.Retry(ctx, func() (io.ReadCloser, error) {
			s.telemetry.RecordStreamReconnect()

			rc, err := s.connect(ctx)
			if err != nil {
				var transport *media.TransportError
				if errors.As(err, &transport) && isPermanent(transport.StatusCode) {
					return nil, backoff.Permanent(err)
				}

				return nil, err
			}

			return rc, nil
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(s.maxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.DebugContext(ctx, "event stream reconnect failed", "err", err, "retry_in", next)
			}),
		)
		if err != nil {
			if ctx.Err() == nil {
				logger.ErrorContext(ctx, "giving up on event stream", "err", err)
			}

			return
		}

		logger.InfoContext(ctx, "event stream reconnected")
	}
}

// isPermanent reports whether retrying a status cannot help.
func isPermanent(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

func (s *Source) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, &media.TransportError{Operation: "subscribe", Message: "failed to create request", Err: err}
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &media.TransportError{Operation: "subscribe", Message: "request failed", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()

		return nil, &media.TransportError{Operation: "subscribe", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	return resp.Body, nil
}

// consume reads SSE frames until the body ends. Frames naming another event
// type than the channel are ignored; malformed payloads are logged, counted
// and skipped.
func (s *Source) consume(ctx context.Context, body io.Reader, out chan<- media.DownloadEvent) error {
	logger := logctx.LoggerFromContext(ctx)

	for frame, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			return fmt.Errorf("failed to read event stream: %w", err)
		}

		if frame.Data == "" || (frame.Type != "" && frame.Type != "message" && frame.Type != s.channel) {
			continue
		}

		ev, err := DecodeEvent([]byte(frame.Data))
		if err != nil {
			logger.WarnContext(ctx, "skipping malformed download event", "err", err)
			s.telemetry.RecordDownloadEvent("unknown", "malformed")

			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return io.ErrUnexpectedEOF
}

type subscription struct {
	events chan media.DownloadEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan media.DownloadEvent {
	return s.events
}

// Close stops the stream and waits for the reader goroutine to exit.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})

	return nil
}
