package network

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Upload(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(tmpFile, bytes.Repeat([]byte("x"), 100*1024), 0644))
	filePayload, err := NewFilePayload(tmpFile)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{name: "bytes", payload: BytesPayload("hello"), want: "hello"},
		{name: "text", payload: StringPayload("héllo"), want: "héllo"},
		{name: "file", payload: filePayload, want: strings.Repeat("x", 100*1024)},
		{name: "empty", payload: BytesPayload(nil), want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received []byte
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, int64(len(tt.want)), r.ContentLength)
				received, _ = io.ReadAll(r.Body)
				w.WriteHeader(http.StatusOK)
			}))
			defer svr.Close()

			var lastProgress atomic.Int64
			executor := NewExecutor(svr.Client(), log.NewLogger())
			n, err := executor.Upload(context.Background(), svr.URL+"/item", tt.payload, TransferOptions{
				Hint: "a.txt",
				Progress: func(soFar, total int64, hint string) {
					assert.Equal(t, "a.txt", hint)
					assert.Equal(t, int64(len(tt.want)), total)
					lastProgress.Store(soFar)
				},
			})

			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.want)), n)
			assert.Equal(t, tt.want, string(received))
			assert.Equal(t, int64(len(tt.want)), lastProgress.Load())
		})
	}
}

func TestExecutor_UploadFailure(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<Error><Code>AccessDenied</Code></Error>")
	}))
	defer svr.Close()

	executor := NewExecutor(svr.Client(), log.NewLogger())
	_, err := executor.Upload(context.Background(), svr.URL, BytesPayload("data"), TransferOptions{Hint: "dir/b.txt"})

	require.ErrorIs(t, err, ErrTransfer)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, http.StatusForbidden, e.StatusCode)
	assert.Equal(t, "dir/b.txt", e.RelPath)
	assert.Contains(t, e.Body, "AccessDenied")
	assert.False(t, e.Transient())
}

func TestExecutor_Download(t *testing.T) {
	content := strings.Repeat("0123456789", 10000)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = io.WriteString(w, content)
	}))
	defer svr.Close()

	var calls int
	var last, lastTotal int64
	var sink bytes.Buffer
	executor := NewExecutor(svr.Client(), log.NewLogger())
	n, err := executor.Download(context.Background(), svr.URL, &sink, TransferOptions{
		Hint: "a.txt",
		Progress: func(soFar, total int64, hint string) {
			calls++
			assert.GreaterOrEqual(t, soFar, last)
			last, lastTotal = soFar, total
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, sink.String())
	assert.Greater(t, calls, 1)
	assert.Equal(t, int64(len(content)), last)
	assert.Equal(t, int64(len(content)), lastTotal)
}

func TestExecutor_DownloadWithoutContentLength(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = io.WriteString(w, "chunk")
			flusher.Flush()
		}
	}))
	defer svr.Close()

	var sink bytes.Buffer
	executor := NewExecutor(svr.Client(), log.NewLogger())
	_, err := executor.Download(context.Background(), svr.URL, &sink, TransferOptions{
		Progress: func(soFar, total int64, hint string) {
			assert.Zero(t, total)
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "chunkchunkchunk", sink.String())
}

func TestExecutor_DownloadCancelledMidway(t *testing.T) {
	var requests, chunksSent int32
	release := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Length", "15")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			if i > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-release:
				case <-time.After(5 * time.Second):
				}
			}
			_, _ = io.WriteString(w, "chunk")
			flusher.Flush()
			atomic.AddInt32(&chunksSent, 1)
		}
	}))
	defer svr.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink bytes.Buffer
	executor := NewExecutor(svr.Client(), log.NewLogger())
	_, err := executor.Download(ctx, svr.URL, &sink, TransferOptions{
		Hint: "c.txt",
		Progress: func(soFar, total int64, hint string) {
			cancel()
		},
	})

	require.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTransfer)
	assert.Equal(t, "chunk", sink.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.Equal(t, int32(1), atomic.LoadInt32(&chunksSent))
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	doer := &countingDoer{next: http.DefaultClient}
	executor := NewExecutor(doer, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Download(ctx, "http://127.0.0.1:1/never", io.Discard, TransferOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = executor.Upload(ctx, "http://127.0.0.1:1/never", BytesPayload("x"), TransferOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, doer.Calls())
}

func TestProgress_AggregatesConcurrentTrackers(t *testing.T) {
	var reported []int64
	progress := NewProgress(30, func(soFar, total int64, hint string) {
		assert.Equal(t, int64(30), total)
		reported = append(reported, soFar)
	})

	a := progress.Tracker()
	b := progress.Tracker()
	a(5, 10, "a")
	b(10, 20, "b")
	a(10, 10, "a")
	// restarted attempt of b does not count twice
	b(4, 20, "b")
	b(20, 20, "b")

	assert.Equal(t, int64(30), progress.Done())
	assert.Equal(t, []int64{5, 15, 20, 30}, reported)
}
