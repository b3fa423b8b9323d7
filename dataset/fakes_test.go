package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dtool-tools/go-signedtransfer/dataset/network"
)

// memoryStore is an object store answering signed URL requests from memory.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failures maps object keys to the status returned for the next PUTs.
	failures map[string][]int
	// contentTypes holds the Content-Type header of the last accepted PUT per key.
	contentTypes map[string]string
	puts         atomic.Int32
	gets         atomic.Int32
	url          string
}

func newMemoryStore(t *testing.T) *memoryStore {
	t.Helper()
	s := &memoryStore{objects: map[string][]byte{}, failures: map[string][]int{}, contentTypes: map[string]string{}}
	svr := httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(svr.Close)
	s.url = svr.URL
	return s
}

func (s *memoryStore) serveHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/store/")
	switch r.Method {
	case http.MethodPut:
		s.puts.Add(1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if codes := s.failures[key]; len(codes) > 0 {
			s.failures[key] = codes[1:]
			s.mu.Unlock()
			w.WriteHeader(codes[0])
			return
		}
		s.objects[key] = body
		s.contentTypes[key] = r.Header.Get("Content-Type")
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		s.gets.Add(1)
		data, ok := s.object(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(data))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *memoryStore) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *memoryStore) contentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentTypes[key]
}

func (s *memoryStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *memoryStore) failPut(key string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = codes
}

func (s *memoryStore) objectURL(key string) string {
	return s.url + "/store/" + key
}

// fakeGateway hands out URLs of a memoryStore. Datasets are laid out as
// <uuid>/README.yml, <uuid>/manifest.json and <uuid>/data/<identifier>.
type fakeGateway struct {
	store     *memoryStore
	now       func() time.Time
	expiresIn time.Duration
	// clientManifest makes the client write the manifest.
	clientManifest bool
	// onWrite runs once the write URLs of a dataset are handed out.
	onWrite func(set network.WriteURLSet, descriptor network.Descriptor)

	mu            sync.Mutex
	descriptors   map[string]network.Descriptor
	writeCalls    int
	readCalls     int
	completeCalls int
}

func newFakeGateway(store *memoryStore, now func() time.Time) *fakeGateway {
	return &fakeGateway{
		store:          store,
		now:            now,
		expiresIn:      time.Hour,
		clientManifest: true,
		descriptors:    map[string]network.Descriptor{},
	}
}

func (g *fakeGateway) GetWriteURLs(_ context.Context, baseURI string, descriptor network.Descriptor) (network.WriteURLSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeCalls++

	uri := strings.TrimSuffix(baseURI, "/") + "/" + descriptor.UUID
	g.descriptors[uri] = descriptor

	set := network.WriteURLSet{
		URI:       uri,
		ExpiresAt: g.now().Add(g.expiresIn),
		Readme:    g.store.objectURL(descriptor.UUID + "/README.yml"),
		Items:     map[string]network.ItemWriteURL{},
	}
	if g.clientManifest {
		set.Manifest = g.store.objectURL(descriptor.UUID + "/manifest.json")
	}
	for _, item := range descriptor.Items {
		set.Items[item.Identifier] = network.ItemWriteURL{
			URL:     g.store.objectURL(descriptor.UUID + "/data/" + item.Identifier),
			RelPath: item.RelPath,
		}
	}
	if g.onWrite != nil {
		g.onWrite(set, descriptor)
	}
	return set, nil
}

func (g *fakeGateway) SignalComplete(_ context.Context, datasetURI string) (network.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completeCalls++

	descriptor, ok := g.descriptors[datasetURI]
	if !ok {
		return network.Completion{}, &network.Error{Kind: network.KindNotFound, Op: "signal complete", URI: datasetURI}
	}
	for _, item := range descriptor.Items {
		if _, ok := g.store.object(descriptor.UUID + "/data/" + item.Identifier); !ok {
			return network.Completion{Status: "incomplete", URI: datasetURI}, nil
		}
	}
	return network.Completion{Status: network.CompletionSuccess, URI: datasetURI, Name: descriptor.Name, UUID: descriptor.UUID}, nil
}

func (g *fakeGateway) GetReadURLs(_ context.Context, datasetURI string) (network.SignedURLSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readCalls++

	descriptor, ok := g.descriptors[datasetURI]
	if !ok {
		return network.SignedURLSet{}, &network.Error{Kind: network.KindNotFound, Op: "get read URLs", URI: datasetURI}
	}
	set := network.SignedURLSet{
		URI:       datasetURI,
		ExpiresAt: g.now().Add(g.expiresIn),
		Manifest:  g.store.objectURL(descriptor.UUID + "/manifest.json"),
		Readme:    g.store.objectURL(descriptor.UUID + "/README.yml"),
		Items:     map[string]string{},
	}
	for _, item := range descriptor.Items {
		set.Items[item.Identifier] = g.store.objectURL(descriptor.UUID + "/data/" + item.Identifier)
	}
	return set, nil
}

func (g *fakeGateway) GetSingleItemReadURL(ctx context.Context, datasetURI, identifier string) (network.SignedURL, error) {
	set, err := g.GetReadURLs(ctx, datasetURI)
	if err != nil {
		return network.SignedURL{}, err
	}
	u, ok := set.Items[identifier]
	if !ok {
		return network.SignedURL{}, &network.Error{Kind: network.KindNotFound, Op: "get item URL", URI: datasetURI, Identifier: identifier}
	}
	return network.SignedURL{URL: u, ExpiresAt: set.ExpiresAt}, nil
}

func (g *fakeGateway) calls() (write, read, complete int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeCalls, g.readCalls, g.completeCalls
}

// countingDoer counts the requests it forwards to next. before may fail a request
// instead of sending it.
type countingDoer struct {
	calls  atomic.Int32
	next   network.Doer
	before func(req *http.Request) error
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	if d.before != nil {
		if err := d.before(req); err != nil {
			return nil, err
		}
	}
	return d.next.Do(req)
}

// textSources builds sources with the given relpaths and contents "content of <relpath>".
func textSources(relPaths ...string) []Source {
	sources := make([]Source, len(relPaths))
	for i, relPath := range relPaths {
		sources[i] = Source{
			RelPath: relPath,
			Payload: network.StringPayload(fmt.Sprintf("content of %s", relPath)),
		}
	}
	return sources
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
