package s3presign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dtool-tools/go-signedtransfer/dataset"
	"github.com/dtool-tools/go-signedtransfer/dataset/network"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dataset types recorded in the admin metadata.
const (
	TypeProtoDataset = "protodataset"
	TypeDataset      = "dataset"
)

// AdminMetadata is the dataset's <uuid>/dtool record.
type AdminMetadata struct {
	UUID             string  `json:"uuid"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	DtoolcoreVersion string  `json:"dtoolcore_version"`
	CreatorUsername  string  `json:"creator_username"`
	CreatedAt        float64 `json:"created_at"`
	FrozenAt         float64 `json:"frozen_at,omitempty"`
}

// GetWriteURLs registers a proto dataset under baseURI and signs PUT URLs for its readme,
// manifest and items. Tags and annotations of the descriptor are written right away.
func (g *Gateway) GetWriteURLs(ctx context.Context, baseURI string, descriptor network.Descriptor) (network.WriteURLSet, error) {
	const op = "get write URLs"
	bucket, err := parseBaseURI(baseURI)
	if err != nil {
		return network.WriteURLSet{}, &network.Error{Kind: network.KindRequest, Op: op, URI: baseURI, Err: err}
	}
	if descriptor.UUID == "" {
		return network.WriteURLSet{}, &network.Error{Kind: network.KindRequest, Op: op, URI: baseURI, Err: errors.New("descriptor has no UUID")}
	}
	loc := location{bucket: bucket, uuid: descriptor.UUID}
	for _, tag := range descriptor.Tags {
		if err := validateTag(tag); err != nil {
			return network.WriteURLSet{}, &network.Error{Kind: network.KindRequest, Op: op, URI: loc.uri(), Err: err}
		}
	}

	admin := AdminMetadata{
		UUID:             descriptor.UUID,
		Name:             descriptor.Name,
		Type:             TypeProtoDataset,
		DtoolcoreVersion: dataset.DtoolcoreVersion,
		CreatorUsername:  descriptor.CreatorUsername,
		CreatedAt:        unixSeconds(g.now()),
	}
	if !descriptor.FrozenAt.IsZero() {
		admin.FrozenAt = unixSeconds(descriptor.FrozenAt)
	}
	if err := g.putAdminMetadata(ctx, loc, admin); err != nil {
		return network.WriteURLSet{}, mapError(op, loc.uri(), err)
	}

	for _, tag := range descriptor.Tags {
		if err := g.putObject(ctx, loc.bucket, loc.tagsPrefix()+tag, nil, ""); err != nil {
			return network.WriteURLSet{}, mapError(op, loc.uri(), err)
		}
	}
	for name, value := range descriptor.Annotations {
		data, err := json.Marshal(value)
		if err != nil {
			return network.WriteURLSet{}, &network.Error{Kind: network.KindRequest, Op: op, URI: loc.uri(), Err: fmt.Errorf("encode annotation %s: %w", name, err)}
		}
		if err := g.putObject(ctx, loc.bucket, loc.annotationKey(name), data, "application/json"); err != nil {
			return network.WriteURLSet{}, mapError(op, loc.uri(), err)
		}
	}

	expiresAt := g.now().Add(g.lifetime)
	set := network.WriteURLSet{
		URI:       loc.uri(),
		ExpiresAt: expiresAt,
		Items:     make(map[string]network.ItemWriteURL, len(descriptor.Items)),
	}
	if set.Readme, err = g.presignPut(ctx, loc.bucket, loc.readmeKey()); err != nil {
		return network.WriteURLSet{}, mapError(op, loc.uri(), err)
	}
	if set.Manifest, err = g.presignPut(ctx, loc.bucket, loc.manifestKey()); err != nil {
		return network.WriteURLSet{}, mapError(op, loc.uri(), err)
	}
	for _, item := range descriptor.Items {
		u, err := g.presignPut(ctx, loc.bucket, loc.itemKey(item.Identifier))
		if err != nil {
			return network.WriteURLSet{}, mapError(op, loc.uri(), err)
		}
		set.Items[item.Identifier] = network.ItemWriteURL{URL: u, RelPath: item.RelPath}
	}

	g.logger.Debugf("Signed %d write URLs for %s", len(set.Items)+2, set.URI)
	return set, nil
}

// SignalComplete freezes the dataset once its manifest is in place.
func (g *Gateway) SignalComplete(ctx context.Context, datasetURI string) (network.Completion, error) {
	const op = "signal complete"
	loc, err := parseDatasetURI(datasetURI)
	if err != nil {
		return network.Completion{}, &network.Error{Kind: network.KindRequest, Op: op, URI: datasetURI, Err: err}
	}

	admin, err := g.getAdminMetadata(ctx, loc)
	if err != nil {
		return network.Completion{}, mapError(op, loc.uri(), err)
	}

	if _, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.manifestKey()),
	}); err != nil {
		if isNotFound(err) {
			g.logger.Warnf("Manifest of %s is missing", loc.uri())
			return network.Completion{Status: "missing manifest", URI: loc.uri(), Name: admin.Name, UUID: admin.UUID}, nil
		}
		return network.Completion{}, mapError(op, loc.uri(), err)
	}

	if admin.Type != TypeDataset {
		admin.Type = TypeDataset
		if admin.FrozenAt == 0 {
			admin.FrozenAt = unixSeconds(g.now())
		}
		if err := g.putAdminMetadata(ctx, loc, admin); err != nil {
			return network.Completion{}, mapError(op, loc.uri(), err)
		}
	}

	return network.Completion{
		Status: network.CompletionSuccess,
		URI:    loc.uri(),
		Name:   admin.Name,
		UUID:   admin.UUID,
	}, nil
}

// GetReadURLs signs GET URLs for every component of a frozen dataset.
func (g *Gateway) GetReadURLs(ctx context.Context, datasetURI string) (network.SignedURLSet, error) {
	const op = "get read URLs"
	loc, err := parseDatasetURI(datasetURI)
	if err != nil {
		return network.SignedURLSet{}, &network.Error{Kind: network.KindRequest, Op: op, URI: datasetURI, Err: err}
	}

	admin, err := g.getAdminMetadata(ctx, loc)
	if err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	if admin.Type != TypeDataset {
		return network.SignedURLSet{}, &network.Error{Kind: network.KindNotFound, Op: op, URI: loc.uri(), Err: errors.New("dataset is not frozen yet")}
	}

	set := network.SignedURLSet{
		URI:         loc.uri(),
		ExpiresAt:   g.now().Add(g.lifetime),
		Items:       map[string]string{},
		Overlays:    map[string]string{},
		Annotations: map[string]string{},
	}
	if set.Manifest, err = g.presignGet(ctx, loc.bucket, loc.manifestKey()); err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	if set.Readme, err = g.presignGet(ctx, loc.bucket, loc.readmeKey()); err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	if set.AdminMetadata, err = g.presignGet(ctx, loc.bucket, loc.adminMetadataKey()); err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}

	itemKeys, err := g.listKeys(ctx, loc.bucket, loc.dataPrefix())
	if err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	for _, key := range itemKeys {
		if set.Items[strings.TrimPrefix(key, loc.dataPrefix())], err = g.presignGet(ctx, loc.bucket, key); err != nil {
			return network.SignedURLSet{}, mapError(op, loc.uri(), err)
		}
	}

	tagKeys, err := g.listKeys(ctx, loc.bucket, loc.tagsPrefix())
	if err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	for _, key := range tagKeys {
		set.Tags = append(set.Tags, strings.TrimPrefix(key, loc.tagsPrefix()))
	}

	annotationKeys, err := g.listKeys(ctx, loc.bucket, loc.annotationsPrefix())
	if err != nil {
		return network.SignedURLSet{}, mapError(op, loc.uri(), err)
	}
	for _, key := range annotationKeys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, loc.annotationsPrefix()), ".json")
		if set.Annotations[name], err = g.presignGet(ctx, loc.bucket, key); err != nil {
			return network.SignedURLSet{}, mapError(op, loc.uri(), err)
		}
	}

	g.logger.Debugf("Signed read URLs for %d items of %s", len(set.Items), set.URI)
	return set, nil
}

// GetSingleItemReadURL signs the GET URL of one existing item.
func (g *Gateway) GetSingleItemReadURL(ctx context.Context, datasetURI, identifier string) (network.SignedURL, error) {
	const op = "get item URL"
	loc, err := parseDatasetURI(datasetURI)
	if err != nil {
		return network.SignedURL{}, &network.Error{Kind: network.KindRequest, Op: op, URI: datasetURI, Err: err}
	}

	key := loc.itemKey(identifier)
	if _, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(key),
	}); err != nil {
		e := mapError(op, loc.uri(), err)
		e.Identifier = identifier
		return network.SignedURL{}, e
	}

	expiresAt := g.now().Add(g.lifetime)
	u, err := g.presignGet(ctx, loc.bucket, key)
	if err != nil {
		return network.SignedURL{}, mapError(op, loc.uri(), err)
	}
	return network.SignedURL{URL: u, ExpiresAt: expiresAt}, nil
}

func (g *Gateway) presignGet(ctx context.Context, bucket, key string) (string, error) {
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(g.lifetime))
	if err != nil {
		return "", fmt.Errorf("presign GET %s: %w", key, err)
	}
	return req.URL, nil
}

func (g *Gateway) presignPut(ctx context.Context, bucket, key string) (string, error) {
	req, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(g.lifetime))
	if err != nil {
		return "", fmt.Errorf("presign PUT %s: %w", key, err)
	}
	return req.URL, nil
}

func (g *Gateway) putObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Body:          bytes.NewReader(data),
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (g *Gateway) putAdminMetadata(ctx context.Context, loc location, admin AdminMetadata) error {
	data, err := json.Marshal(admin)
	if err != nil {
		return fmt.Errorf("encode admin metadata: %w", err)
	}
	return g.putObject(ctx, loc.bucket, loc.adminMetadataKey(), data, "application/json")
}

func (g *Gateway) getAdminMetadata(ctx context.Context, loc location) (AdminMetadata, error) {
	result, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.adminMetadataKey()),
	})
	if err != nil {
		return AdminMetadata{}, fmt.Errorf("get admin metadata: %w", err)
	}
	defer result.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return AdminMetadata{}, fmt.Errorf("read admin metadata: %w", err)
	}
	var admin AdminMetadata
	if err := json.Unmarshal(data, &admin); err != nil {
		return AdminMetadata{}, fmt.Errorf("decode admin metadata: %w", err)
	}
	return admin, nil
}

func (g *Gateway) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, object := range page.Contents {
			if object.Key != nil {
				keys = append(keys, *object.Key)
			}
		}
	}
	return keys, nil
}

// mapError sorts S3 failures into the transfer error kinds.
func mapError(op, uri string, err error) *network.Error {
	e := &network.Error{Kind: network.KindRequest, Op: op, URI: uri, Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.Kind = network.KindCancelled
		return e
	}
	if isNotFound(err) {
		e.Kind = network.KindNotFound
		return e
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "AccessDenied", "AllAccessDisabled", "AccountProblem":
			e.Kind = network.KindAuthorization
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			e.Kind = network.KindAuthentication
		}
	}
	return e
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey, *types.NoSuchBucket:
		return true
	}
	return apiError.ErrorCode() == "NotFound"
}

// validateTag rejects tags that cannot be stored as a single key under <uuid>/tags/.
func validateTag(tag string) error {
	if tag == "" || tag == "." || tag == ".." || strings.Contains(tag, "/") {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
