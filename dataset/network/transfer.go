package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const defaultChunkSize = 32 * 1024

// TransferOptions ...
type TransferOptions struct {
	// Progress is called after every chunk moved. May be nil.
	Progress ProgressFunc
	// Hint identifies the transfer in progress callbacks and errors, usually the item relpath.
	Hint string
	// Headers are sent with the request in addition to Content-Length.
	Headers map[string]string
}

// Executor performs single GET/PUT transfers against signed URLs. It never retries.
type Executor struct {
	httpClient Doer
	logger     log.Logger
	chunkSize  int
}

// NewExecutor creates an Executor. httpClient may be nil, then DefaultTransferClient is used.
func NewExecutor(httpClient Doer, logger log.Logger) *Executor {
	if httpClient == nil {
		httpClient = DefaultTransferClient()
	}
	return &Executor{
		httpClient: httpClient,
		logger:     logger,
		chunkSize:  defaultChunkSize,
	}
}

// HTTPClient returns an *http.Client whose requests all go through the executor's Doer,
// for file downloads handled by a library that needs a concrete client.
func (e *Executor) HTTPClient() *http.Client {
	if c, ok := e.httpClient.(*http.Client); ok {
		return c
	}
	return &http.Client{Transport: doerTransport{doer: e.httpClient}}
}

// Upload PUTs payload to url as a single request and returns the bytes sent.
func (e *Executor) Upload(ctx context.Context, url string, payload Payload, opts TransferOptions) (int64, error) {
	const op = "upload"
	if err := ctx.Err(); err != nil {
		return 0, cancelledError(op, err)
	}

	body, err := payload.Open()
	if err != nil {
		return 0, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: err}
	}
	defer func() {
		if err := body.Close(); err != nil {
			e.logger.Warnf("Failed to close payload of %s: %s", opts.Hint, err)
		}
	}()

	size := payload.Size()
	counter := &countingReader{ctx: ctx, r: body, total: size, hint: opts.Hint, progress: opts.Progress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, counter)
	if err != nil {
		return 0, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: err}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return counter.n.Load(), &Error{Kind: KindCancelled, Op: op, RelPath: opts.Hint, Err: ctx.Err()}
		}
		return counter.n.Load(), &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			e.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return counter.n.Load(), &Error{
			Kind:       KindTransfer,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
			RelPath:    opts.Hint,
		}
	}

	e.logger.Debugf("Uploaded %s (%d bytes) in %s", opts.Hint, size, time.Since(start).Round(time.Millisecond))
	return size, nil
}

// Download GETs url and streams the body into sink chunk by chunk, returning the bytes
// written. Cancelling ctx aborts the request and stops reading before the next chunk.
func (e *Executor) Download(ctx context.Context, url string, sink io.Writer, opts TransferOptions) (int64, error) {
	const op = "download"
	if err := ctx.Err(); err != nil {
		return 0, cancelledError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: err}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, &Error{Kind: KindCancelled, Op: op, RelPath: opts.Hint, Err: ctx.Err()}
		}
		return 0, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			e.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &Error{
			Kind:       KindTransfer,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
			RelPath:    opts.Hint,
		}
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	var written int64
	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, &Error{Kind: KindCancelled, Op: op, RelPath: opts.Hint, Err: err}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return written, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: fmt.Errorf("write sink: %w", err)}
			}
			written += int64(n)
			if opts.Progress != nil {
				opts.Progress(written, total, opts.Hint)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return written, &Error{Kind: KindCancelled, Op: op, RelPath: opts.Hint, Err: ctx.Err()}
			}
			return written, &Error{Kind: KindTransfer, Op: op, RelPath: opts.Hint, Err: fmt.Errorf("read body: %w", readErr)}
		}
	}

	if total > 0 && written != total {
		return written, &Error{
			Kind:    KindTransfer,
			Op:      op,
			RelPath: opts.Hint,
			Err:     fmt.Errorf("received %d bytes, expected %d", written, total),
		}
	}

	e.logger.Debugf("Downloaded %s (%d bytes) in %s", opts.Hint, written, time.Since(start).Round(time.Millisecond))
	return written, nil
}

// countingReader reports how much of an upload body the transport has consumed.
type countingReader struct {
	ctx      context.Context
	r        io.Reader
	n        atomic.Int64
	total    int64
	hint     string
	progress ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if n > 0 {
		soFar := c.n.Add(int64(n))
		if c.progress != nil {
			c.progress(soFar, c.total, c.hint)
		}
	}
	return n, err
}
