// Package progress reports how much of a large response body has been read.
package progress

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/playlist_sync/internal/logctx"
)

// Reader wraps an io.Reader and calls OnProgress every Interval bytes and
// once more when the underlying reader reaches EOF.
type Reader struct {
	Reader     io.Reader
	Total      int64
	Interval   int64
	OnProgress func(read, total int64)

	read      int64
	sinceLast int64
	done      bool
}

func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		Interval:   interval,
		OnProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.Interval > 0 && pr.sinceLast >= pr.Interval {
			pr.report()
		}
	}

	if err == io.EOF && !pr.done {
		pr.done = true
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0

	if pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
	}
}

// Logged wraps body so that reading it logs progress at debug level. A
// negative total means the size is unknown.
func Logged(ctx context.Context, body io.Reader, total, interval int64, operation string) *Reader {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	return NewReader(body, total, interval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "reading response",
				"read", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", read*100/total,
			)

			return
		}

		logger.DebugContext(ctx, "reading response", "read", humanize.Bytes(uint64(read)))
	})
}
