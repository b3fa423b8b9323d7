package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxErrorBodyLength = 1024

type readURLsResponse struct {
	ManifestURL      string            `json:"manifest_url"`
	ReadmeURL        string            `json:"readme_url"`
	AdminMetadataURL string            `json:"admin_metadata_url"`
	ItemURLs         map[string]string `json:"item_urls"`
	OverlayURLs      map[string]string `json:"overlay_urls"`
	AnnotationURLs   map[string]string `json:"annotation_urls"`
	Tags             []string          `json:"tags"`
	ExpirySeconds    *int64            `json:"expiry_seconds"`
	ExpiryTimestamp  string            `json:"expiry_timestamp"`
}

type itemURLResponse struct {
	URL             string `json:"url"`
	ExpirySeconds   *int64 `json:"expiry_seconds"`
	ExpiryTimestamp string `json:"expiry_timestamp"`
}

type manifestItemRequest struct {
	RelPath      string  `json:"relpath"`
	SizeInBytes  int64   `json:"size_in_bytes"`
	Hash         string  `json:"hash"`
	UTCTimestamp float64 `json:"utc_timestamp"`
}

type uploadManifestRequest struct {
	Items map[string]manifestItemRequest `json:"items"`
}

type uploadRequest struct {
	UUID            string                 `json:"uuid"`
	Name            string                 `json:"name"`
	CreatorUsername string                 `json:"creator_username"`
	FrozenAt        float64                `json:"frozen_at"`
	Manifest        uploadManifestRequest  `json:"manifest"`
	ReadmeContent   string                 `json:"readme_content,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Annotations     map[string]interface{} `json:"annotations,omitempty"`
}

type uploadURL struct {
	URL     string `json:"url"`
	RelPath string `json:"relpath,omitempty"`
}

type uploadURLs struct {
	Readme   uploadURL            `json:"readme"`
	Manifest uploadURL            `json:"manifest"`
	Items    map[string]uploadURL `json:"items"`
}

type uploadResponse struct {
	URI             string     `json:"uri"`
	UploadURLs      uploadURLs `json:"upload_urls"`
	ExpirySeconds   *int64     `json:"expiry_seconds"`
	ExpiryTimestamp string     `json:"expiry_timestamp"`
}

type completeRequest struct {
	URI string `json:"uri"`
}

type completeResponse struct {
	Status string `json:"status"`
	URI    string `json:"uri"`
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
}

// Client is the Gateway backed by the lookup server's signed URL endpoints.
type Client struct {
	httpClient Doer
	baseURL    string
	tokens     TokenSource
	logger     log.Logger
	now        func() time.Time
}

// NewClient creates a gateway client. httpClient may be nil, then NewHTTPClient is used.
func NewClient(httpClient Doer, baseURL string, tokens TokenSource, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(logger)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
		now:        time.Now,
	}
}

// GetReadURLs returns signed URLs for every component of an existing dataset.
func (c *Client) GetReadURLs(ctx context.Context, datasetURI string) (SignedURLSet, error) {
	const op = "get read URLs"
	apiURL := fmt.Sprintf("%s/signed-urls/dataset/%s", c.baseURL, url.PathEscape(datasetURI))

	obtainedAt := c.now()
	var response readURLsResponse
	if err := c.call(ctx, op, http.MethodGet, apiURL, nil, &response); err != nil {
		err.URI = datasetURI
		return SignedURLSet{}, err
	}

	return SignedURLSet{
		URI:           datasetURI,
		ExpiresAt:     expiry(obtainedAt, response.ExpirySeconds, response.ExpiryTimestamp),
		Manifest:      response.ManifestURL,
		Readme:        response.ReadmeURL,
		AdminMetadata: response.AdminMetadataURL,
		Items:         nonNil(response.ItemURLs),
		Overlays:      nonNil(response.OverlayURLs),
		Annotations:   nonNil(response.AnnotationURLs),
		Tags:          response.Tags,
	}, nil
}

// GetSingleItemReadURL returns the signed URL of one item only.
func (c *Client) GetSingleItemReadURL(ctx context.Context, datasetURI, identifier string) (SignedURL, error) {
	const op = "get item read URL"
	apiURL := fmt.Sprintf("%s/signed-urls/item/%s/%s", c.baseURL, url.PathEscape(datasetURI), url.PathEscape(identifier))

	obtainedAt := c.now()
	var response itemURLResponse
	if err := c.call(ctx, op, http.MethodGet, apiURL, nil, &response); err != nil {
		err.URI = datasetURI
		err.Identifier = identifier
		return SignedURL{}, err
	}

	return SignedURL{
		URL:       response.URL,
		ExpiresAt: expiry(obtainedAt, response.ExpirySeconds, response.ExpiryTimestamp),
	}, nil
}

// GetWriteURLs declares a new dataset and returns the URLs the client has to fill.
func (c *Client) GetWriteURLs(ctx context.Context, baseURI string, descriptor Descriptor) (WriteURLSet, error) {
	const op = "get write URLs"
	apiURL := fmt.Sprintf("%s/signed-urls/upload/%s", c.baseURL, url.PathEscape(baseURI))

	items := make(map[string]manifestItemRequest, len(descriptor.Items))
	for _, item := range descriptor.Items {
		items[item.Identifier] = manifestItemRequest{
			RelPath:      item.RelPath,
			SizeInBytes:  item.SizeInBytes,
			Hash:         item.Hash,
			UTCTimestamp: item.UTCTimestamp,
		}
	}
	requestBody := uploadRequest{
		UUID:            descriptor.UUID,
		Name:            descriptor.Name,
		CreatorUsername: descriptor.CreatorUsername,
		FrozenAt:        unixSeconds(descriptor.FrozenAt),
		Manifest:        uploadManifestRequest{Items: items},
		ReadmeContent:   descriptor.Readme,
		Tags:            descriptor.Tags,
		Annotations:     descriptor.Annotations,
	}

	obtainedAt := c.now()
	var response uploadResponse
	if err := c.call(ctx, op, http.MethodPost, apiURL, requestBody, &response); err != nil {
		err.URI = baseURI
		return WriteURLSet{}, err
	}

	itemURLs := make(map[string]ItemWriteURL, len(response.UploadURLs.Items))
	for id, u := range response.UploadURLs.Items {
		itemURLs[id] = ItemWriteURL{URL: u.URL, RelPath: u.RelPath}
	}

	return WriteURLSet{
		URI:       response.URI,
		ExpiresAt: expiry(obtainedAt, response.ExpirySeconds, response.ExpiryTimestamp),
		Readme:    response.UploadURLs.Readme.URL,
		Manifest:  response.UploadURLs.Manifest.URL,
		Items:     itemURLs,
	}, nil
}

// SignalComplete tells the backend that every write has landed, which registers the dataset.
func (c *Client) SignalComplete(ctx context.Context, datasetURI string) (Completion, error) {
	const op = "signal upload complete"
	apiURL := fmt.Sprintf("%s/signed-urls/upload-complete", c.baseURL)

	var response completeResponse
	if err := c.call(ctx, op, http.MethodPost, apiURL, completeRequest{URI: datasetURI}, &response); err != nil {
		err.URI = datasetURI
		return Completion{}, err
	}

	return Completion{
		Status: response.Status,
		URI:    response.URI,
		Name:   response.Name,
		UUID:   response.UUID,
	}, nil
}

func (c *Client) call(ctx context.Context, op, method, apiURL string, requestBody, response interface{}) *Error {
	var body io.Reader
	if requestBody != nil {
		b, err := json.Marshal(requestBody)
		if err != nil {
			return &Error{Kind: KindRequest, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return &Error{Kind: KindRequest, Op: op, Err: err}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token()))
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s: %s %s", op, method, apiURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledError(op, ctx.Err())
		}
		return &Error{Kind: KindRequest, Op: op, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	c.logger.Debugf("%s response: %s", op, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return cancelledError(op, ctx.Err())
		}
		return &Error{Kind: KindRequest, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodyLength))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
