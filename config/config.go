// Package config loads the transfer settings from dtool's JSON config file and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/dtool-tools/go-signedtransfer/dataset"
	"github.com/dtool-tools/go-signedtransfer/dataset/network"
	"github.com/dtool-tools/go-signedtransfer/retry"
	"github.com/dtool-tools/go-signedtransfer/s3presign"
	"github.com/spf13/viper"
)

// DefaultPath is where dtool keeps its configuration.
const DefaultPath = "~/.config/dtool/dtool.json"

// Keys of the config file, also read from the environment under the same name.
const (
	KeyServerURL         = "DTOOL_LOOKUP_SERVER_URL"
	KeyServerToken       = "DTOOL_LOOKUP_SERVER_TOKEN"
	KeyUsername          = "DTOOL_USER_NAME"
	KeyConcurrency       = "DTOOL_TRANSFER_CONCURRENCY"
	KeyHashFunction      = "DTOOL_HASH_FUNCTION"
	KeyMaxRetries        = "DTOOL_TRANSFER_MAX_RETRIES"
	KeyInitialDelay      = "DTOOL_TRANSFER_RETRY_INITIAL_DELAY"
	KeyMaxDelay          = "DTOOL_TRANSFER_RETRY_MAX_DELAY"
	KeyBackoffFactor     = "DTOOL_TRANSFER_RETRY_BACKOFF_FACTOR"
	KeyS3Region          = "DTOOL_S3_REGION"
	KeyS3Endpoint        = "DTOOL_S3_ENDPOINT"
	KeyS3AccessKeyID     = "DTOOL_S3_ACCESS_KEY_ID"
	KeyS3SecretAccessKey = "DTOOL_S3_SECRET_ACCESS_KEY"
	KeyS3URLLifetime     = "DTOOL_S3_URL_LIFETIME"
	KeyS3ForcePathStyle  = "DTOOL_S3_FORCE_PATH_STYLE"
)

var keys = []string{
	KeyServerURL, KeyServerToken, KeyUsername, KeyConcurrency, KeyHashFunction,
	KeyMaxRetries, KeyInitialDelay, KeyMaxDelay, KeyBackoffFactor,
	KeyS3Region, KeyS3Endpoint, KeyS3AccessKeyID, KeyS3SecretAccessKey, KeyS3URLLifetime, KeyS3ForcePathStyle,
}

// ErrInvalidValue ...
var ErrInvalidValue = errors.New("invalid config value")

// Secret is a string that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Config ...
type Config struct {
	ServerURL    string
	Token        Secret
	Username     string
	Concurrency  int
	HashFunction string

	MaxRetries    uint
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	S3 S3Config
}

// S3Config configures the gateway that signs URLs against a bucket directly.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey Secret
	URLLifetime     time.Duration
	ForcePathStyle  bool
}

// Load reads the config file at path (DefaultPath when empty) and applies the
// environment on top. A missing file is not an error.
func Load(envRepo env.Repository, path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = DefaultPath
	}
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	if exists, err := pathutil.NewPathChecker().IsPathExists(absPath); err != nil {
		return Config{}, err
	} else if exists {
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}

	for _, key := range keys {
		if value := envRepo.Get(key); value != "" {
			v.Set(key, value)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername(envRepo)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyConcurrency, dataset.DefaultUploadConcurrency)
	v.SetDefault(KeyHashFunction, dataset.DefaultHashFunction)
	v.SetDefault(KeyMaxRetries, 0)
	v.SetDefault(KeyInitialDelay, "1s")
	v.SetDefault(KeyMaxDelay, "30s")
	v.SetDefault(KeyBackoffFactor, 2.0)
	v.SetDefault(KeyS3URLLifetime, "1h")
}

func decode(v *viper.Viper) (Config, error) {
	cfg := Config{
		ServerURL:    strings.TrimSuffix(v.GetString(KeyServerURL), "/"),
		Token:        Secret(v.GetString(KeyServerToken)),
		Username:     v.GetString(KeyUsername),
		HashFunction: v.GetString(KeyHashFunction),
		S3: S3Config{
			Region:          v.GetString(KeyS3Region),
			Endpoint:        v.GetString(KeyS3Endpoint),
			AccessKeyID:     v.GetString(KeyS3AccessKeyID),
			SecretAccessKey: Secret(v.GetString(KeyS3SecretAccessKey)),
		},
	}

	var err error
	if cfg.Concurrency, err = parseInt(v, KeyConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency < 1 {
		return Config{}, fmt.Errorf("%w: %s must be at least 1, got %d", ErrInvalidValue, KeyConcurrency, cfg.Concurrency)
	}
	maxRetries, err := parseInt(v, KeyMaxRetries)
	if err != nil {
		return Config{}, err
	}
	if maxRetries < 0 {
		return Config{}, fmt.Errorf("%w: %s must not be negative", ErrInvalidValue, KeyMaxRetries)
	}
	cfg.MaxRetries = uint(maxRetries)
	if cfg.InitialDelay, err = parseDuration(v, KeyInitialDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxDelay, err = parseDuration(v, KeyMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.BackoffFactor, err = strconv.ParseFloat(v.GetString(KeyBackoffFactor), 64); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidValue, KeyBackoffFactor, err)
	}
	if cfg.S3.URLLifetime, err = parseDuration(v, KeyS3URLLifetime); err != nil {
		return Config{}, err
	}
	if s := v.GetString(KeyS3ForcePathStyle); s != "" {
		if cfg.S3.ForcePathStyle, err = strconv.ParseBool(s); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidValue, KeyS3ForcePathStyle, err)
		}
	}

	if _, err := dataset.LookupHashAlgorithm(cfg.HashFunction); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidValue, KeyHashFunction, err)
	}
	return cfg, nil
}

func parseInt(v *viper.Viper, key string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidValue, key, err)
	}
	return i, nil
}

// parseDuration accepts Go durations ("90s") and plain numbers of seconds.
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	s := strings.TrimSpace(v.GetString(key))
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidValue, key, err)
	}
	return d, nil
}

// RetryPolicy returns the transfer retry policy, or nil when retries are disabled.
func (c Config) RetryPolicy() *retry.Policy {
	if c.MaxRetries == 0 {
		return nil
	}
	return &retry.Policy{
		MaxRetries:    c.MaxRetries,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
	}
}

// Print logs the loaded config with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Transfer config:")
	logger.Printf("- %s: %s", KeyServerURL, c.ServerURL)
	logger.Printf("- %s: %s", KeyServerToken, c.Token)
	logger.Printf("- %s: %s", KeyUsername, c.Username)
	logger.Printf("- %s: %d", KeyConcurrency, c.Concurrency)
	logger.Printf("- %s: %s", KeyHashFunction, c.HashFunction)
	logger.Printf("- %s: %d", KeyMaxRetries, c.MaxRetries)
	if c.S3.Region != "" || c.S3.Endpoint != "" {
		logger.Printf("- %s: %s", KeyS3Region, c.S3.Region)
		logger.Printf("- %s: %s", KeyS3Endpoint, c.S3.Endpoint)
		logger.Printf("- %s: %s", KeyS3AccessKeyID, c.S3.AccessKeyID)
		logger.Printf("- %s: %s", KeyS3SecretAccessKey, c.S3.SecretAccessKey)
	}
}

// defaultUsername is the login name of the current user.
func defaultUsername(envRepo env.Repository) string {
	if u := envRepo.Get("USER"); u != "" {
		return u
	}
	return envRepo.Get("USERNAME")
}

// NewLookupGateway returns a client of the lookup server's signed URL API.
func (c Config) NewLookupGateway(logger log.Logger) (*network.Client, error) {
	if c.ServerURL == "" {
		return nil, fmt.Errorf("%s is not set", KeyServerURL)
	}
	return network.NewClient(network.NewHTTPClient(logger), c.ServerURL, network.NewStaticToken(string(c.Token)), logger), nil
}

// NewS3Gateway returns a gateway signing URLs for S3 datasets itself.
func (c Config) NewS3Gateway(ctx context.Context, logger log.Logger) (*s3presign.Gateway, error) {
	return s3presign.New(ctx, s3presign.Params{
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: string(c.S3.SecretAccessKey),
		ForcePathStyle:  c.S3.ForcePathStyle,
		URLLifetime:     c.S3.URLLifetime,
	}, logger)
}
