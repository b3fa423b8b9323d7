// Package s3presign hands out signed URLs for datasets stored in an S3 bucket by signing
// them locally, without a lookup server in between.
//
// Datasets are laid out under their UUID:
//
//	<uuid>/dtool                      admin metadata
//	<uuid>/README.yml
//	<uuid>/manifest.json
//	<uuid>/data/<identifier>
//	<uuid>/tags/<tag>
//	<uuid>/annotations/<name>.json
package s3presign

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultURLLifetime ...
const DefaultURLLifetime = time.Hour

// Params ...
type Params struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	URLLifetime     time.Duration
}

// Gateway implements network.Gateway over a bucket.
type Gateway struct {
	client    API
	presigner Presigner
	uploader  *manager.Uploader
	lifetime  time.Duration
	logger    log.Logger
	now       func() time.Time
}

// New creates a Gateway with credentials from params, falling back to the default AWS
// credential chain when no static keys are given.
func New(ctx context.Context, params Params, logger log.Logger) (*Gateway, error) {
	cfg, err := awsConfig(ctx, params, logger)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.ForcePathStyle
	})
	return NewWithClients(client, s3.NewPresignClient(client), params.URLLifetime, logger), nil
}

// NewWithClients ...
func NewWithClients(client API, presigner Presigner, lifetime time.Duration, logger log.Logger) *Gateway {
	if lifetime <= 0 {
		lifetime = DefaultURLLifetime
	}
	return &Gateway{
		client:    client,
		presigner: presigner,
		uploader:  manager.NewUploader(client),
		lifetime:  lifetime,
		logger:    logger,
		now:       time.Now,
	}
}

// awsConfig loads the SDK configuration for region. Static keys are used when both are
// given, the default credential chain otherwise.
func awsConfig(ctx context.Context, params Params, logger log.Logger) (aws.Config, error) {
	if params.Region == "" {
		return aws.Config{}, errors.New("s3 region is not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(params.Region)}
	switch {
	case params.AccessKeyID != "" && params.SecretAccessKey != "":
		logger.Debugf("Using static S3 credentials of access key %s", params.AccessKeyID)
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	case params.AccessKeyID != "" || params.SecretAccessKey != "":
		return aws.Config{}, errors.New("s3 access key id and secret access key must be set together")
	default:
		logger.Debugf("Using the default AWS credential chain")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// location is a dataset's place in a bucket.
type location struct {
	bucket string
	uuid   string
}

// parseBaseURI accepts s3://<bucket> with an optional trailing slash.
func parseBaseURI(baseURI string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("parse base URI %s: %w", baseURI, err)
	}
	if u.Scheme != "s3" || u.Host == "" || strings.Trim(u.Path, "/") != "" {
		return "", fmt.Errorf("base URI should look like s3://<bucket>, got %s", baseURI)
	}
	return u.Host, nil
}

// parseDatasetURI accepts s3://<bucket>/<uuid>.
func parseDatasetURI(datasetURI string) (location, error) {
	u, err := url.Parse(datasetURI)
	if err != nil {
		return location{}, fmt.Errorf("parse dataset URI %s: %w", datasetURI, err)
	}
	id := strings.Trim(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || id == "" || strings.Contains(id, "/") {
		return location{}, fmt.Errorf("dataset URI should look like s3://<bucket>/<uuid>, got %s", datasetURI)
	}
	return location{bucket: u.Host, uuid: id}, nil
}

func (l location) uri() string {
	return fmt.Sprintf("s3://%s/%s", l.bucket, l.uuid)
}

func (l location) adminMetadataKey() string {
	return path.Join(l.uuid, "dtool")
}

func (l location) readmeKey() string {
	return path.Join(l.uuid, "README.yml")
}

func (l location) manifestKey() string {
	return path.Join(l.uuid, "manifest.json")
}

func (l location) dataPrefix() string {
	return l.uuid + "/data/"
}

func (l location) itemKey(identifier string) string {
	return l.dataPrefix() + identifier
}

func (l location) tagsPrefix() string {
	return l.uuid + "/tags/"
}

func (l location) annotationsPrefix() string {
	return l.uuid + "/annotations/"
}

func (l location) annotationKey(name string) string {
	return l.annotationsPrefix() + name + ".json"
}
