package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// Gateway hands out signed URLs for reading and writing dataset components.
// Implementations never retry on their own.
type Gateway interface {
	GetReadURLs(ctx context.Context, datasetURI string) (SignedURLSet, error)
	GetSingleItemReadURL(ctx context.Context, datasetURI, identifier string) (SignedURL, error)
	GetWriteURLs(ctx context.Context, baseURI string, descriptor Descriptor) (WriteURLSet, error)
	SignalComplete(ctx context.Context, datasetURI string) (Completion, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer credential for each authenticated request.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource whose value can be replaced at any time.
type StaticToken struct {
	mu    sync.RWMutex
	token string
}

// NewStaticToken ...
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// Token ...
func (t *StaticToken) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// SetToken ...
func (t *StaticToken) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// NewHTTPClient returns the default transport of gateway calls. The underlying
// retryablehttp client has its retries switched off: repeating a call is the decision
// of the call site.
func NewHTTPClient(logger log.Logger) *http.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.CheckRetry = noRetry
	return client.StandardClient()
}

// noRetry hands every response back to the caller unchanged, whatever its status.
func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	return false, ctx.Err()
}

// DefaultTransferClient returns the transport used against signed URLs. Request bodies
// are streamed as-is, so large payloads are never buffered in memory.
func DefaultTransferClient() *http.Client {
	return &http.Client{
		// No timeout - cancellation is handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// doerTransport sends requests of an *http.Client through a Doer.
type doerTransport struct {
	doer Doer
}

func (t doerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.doer.Do(req)
}
