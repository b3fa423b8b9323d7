package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/dtool-tools/go-signedtransfer/dataset/network"
	"github.com/dtool-tools/go-signedtransfer/dataset/network/workpool"
	"github.com/dtool-tools/go-signedtransfer/retry"
	"github.com/melbahja/got"
)

// DefaultDownloadConcurrency is the number of item downloads in flight when not configured.
const DefaultDownloadConcurrency = 4

// DownloadOptions ...
type DownloadOptions struct {
	// Progress receives cumulative downloaded bytes. May be nil.
	Progress network.ProgressFunc
	// Concurrency caps parallel item downloads of DownloadDataset. Default: DefaultDownloadConcurrency
	Concurrency int
	// Retry is applied to every single transfer. Default: no retries
	Retry *retry.Policy
}

func (o DownloadOptions) policy() retry.Policy {
	if o.Retry != nil {
		return *o.Retry
	}
	return retry.NoRetry()
}

// DownloadResult describes a dataset written to a local directory.
type DownloadResult struct {
	URI      string
	Manifest Manifest
	Readme   string
	// Paths maps item identifiers to the written files.
	Paths map[string]string
	Bytes int64
}

// Downloader reads datasets through signed URLs.
type Downloader struct {
	gateway    network.Gateway
	executor   *network.Executor
	fileClient *http.Client
	logger     log.Logger
	now        func() time.Time
}

// NewDownloader creates a Downloader. Item files of DownloadDataset are fetched through
// the same transport as the executor's transfers.
func NewDownloader(gateway network.Gateway, executor *network.Executor, logger log.Logger) *Downloader {
	return &Downloader{
		gateway:    gateway,
		executor:   executor,
		fileClient: executor.HTTPClient(),
		logger:     logger,
		now:        time.Now,
	}
}

// ReadURLs requests a fresh read URL set for the dataset.
func (d *Downloader) ReadURLs(ctx context.Context, datasetURI string) (network.SignedURLSet, error) {
	return d.gateway.GetReadURLs(ctx, datasetURI)
}

// DownloadItem returns the content of one item of urls. An expired set fails with
// network.ErrExpiredURLSet before any request is made.
func (d *Downloader) DownloadItem(ctx context.Context, urls network.SignedURLSet, identifier string, opts DownloadOptions) ([]byte, error) {
	itemURL, err := d.itemURL(urls, identifier)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = retry.Run(ctx, opts.policy(), func(ctx context.Context, attempt uint) error {
		if urls.Expired(d.now()) {
			return &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: urls.URI, Identifier: identifier}
		}
		buf.Reset()
		_, err := d.executor.Download(ctx, itemURL, &buf, network.TransferOptions{Progress: opts.Progress, Hint: identifier})
		return err
	})
	if err != nil {
		return nil, network.AnnotateItem(err, "", identifier)
	}
	return buf.Bytes(), nil
}

// DownloadItemTo streams one item of urls into w. Since w cannot be rewound the
// transfer is never retried.
func (d *Downloader) DownloadItemTo(ctx context.Context, urls network.SignedURLSet, identifier string, w io.Writer, opts DownloadOptions) (int64, error) {
	itemURL, err := d.itemURL(urls, identifier)
	if err != nil {
		return 0, err
	}
	if urls.Expired(d.now()) {
		return 0, &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: urls.URI, Identifier: identifier}
	}
	n, err := d.executor.Download(ctx, itemURL, w, network.TransferOptions{Progress: opts.Progress, Hint: identifier})
	return n, network.AnnotateItem(err, "", identifier)
}

// DownloadSingleItem fetches one item without requesting the URLs of the whole dataset.
func (d *Downloader) DownloadSingleItem(ctx context.Context, datasetURI, identifier string, opts DownloadOptions) ([]byte, error) {
	signed, err := d.gateway.GetSingleItemReadURL(ctx, datasetURI, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to get item URL: %w", err)
	}

	var buf bytes.Buffer
	err = retry.Run(ctx, opts.policy(), func(ctx context.Context, attempt uint) error {
		if signed.Expired(d.now()) {
			return &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: datasetURI, Identifier: identifier}
		}
		buf.Reset()
		_, err := d.executor.Download(ctx, signed.URL, &buf, network.TransferOptions{Progress: opts.Progress, Hint: identifier})
		return err
	})
	if err != nil {
		return nil, network.AnnotateItem(err, "", identifier)
	}
	return buf.Bytes(), nil
}

// DownloadManifest fetches and validates the manifest of urls.
func (d *Downloader) DownloadManifest(ctx context.Context, urls network.SignedURLSet, opts DownloadOptions) (Manifest, error) {
	data, err := d.downloadComponent(ctx, urls, network.RoleManifest, opts)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

// DownloadReadme fetches the README.yml content of urls.
func (d *Downloader) DownloadReadme(ctx context.Context, urls network.SignedURLSet, opts DownloadOptions) (string, error) {
	data, err := d.downloadComponent(ctx, urls, network.RoleReadme, opts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DownloadDataset writes every item of the dataset to destDir/<relpath> and checks
// each file against the manifest's size and hash. Like uploads, the first failing item
// in manifest order is returned after all workers finished.
func (d *Downloader) DownloadDataset(ctx context.Context, datasetURI, destDir string, opts DownloadOptions) (DownloadResult, error) {
	d.logger.TDebugf("Download start")
	defer d.logger.TDebugf("Download done")

	urls, err := d.gateway.GetReadURLs(ctx, datasetURI)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("failed to get read URLs: %w", err)
	}
	if urls.Expired(d.now()) {
		return DownloadResult{}, &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: urls.URI}
	}

	manifest, err := d.DownloadManifest(ctx, urls, DownloadOptions{Retry: opts.Retry})
	if err != nil {
		return DownloadResult{}, fmt.Errorf("failed to download manifest: %w", err)
	}
	alg, err := manifest.HashAlgorithm()
	if err != nil {
		return DownloadResult{}, err
	}

	ids := manifest.Identifiers()
	paths := make(map[string]string, len(ids))
	for _, id := range ids {
		relPath := manifest.Items[id].RelPath
		if err := ValidateRelPath(relPath); err != nil {
			return DownloadResult{}, err
		}
		if _, ok := urls.Items[id]; !ok {
			return DownloadResult{}, fmt.Errorf("%w: no read URL for %s [%s]", ErrUnknownItem, relPath, id)
		}
		paths[id] = filepath.Join(destDir, filepath.FromSlash(relPath))
	}

	var readme string
	if _, ok := urls.URL(network.RoleReadme); ok {
		if readme, err = d.DownloadReadme(ctx, urls, DownloadOptions{Retry: opts.Retry}); err != nil {
			return DownloadResult{}, fmt.Errorf("failed to download readme: %w", err)
		}
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultDownloadConcurrency
	}
	policy := opts.policy()
	progress := network.NewProgress(manifest.TotalSize(), opts.Progress)

	d.logger.Infof("Downloading %d items (%s) to %s...", len(ids), units.HumanSizeWithPrecision(float64(manifest.TotalSize()), 3), destDir)
	downloadStartTime := time.Now()

	outcomes := workpool.Run(ctx, ids, concurrency, func(ctx context.Context, _ int, id string) workpool.Outcome {
		item := manifest.Items[id]
		dest := paths[id]
		tracker := progress.Tracker()
		err := retry.Run(ctx, policy, func(ctx context.Context, attempt uint) error {
			if urls.Expired(d.now()) {
				return &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: urls.URI}
			}
			if err := d.downloadFile(ctx, urls.Items[id], dest, item, tracker); err != nil {
				return err
			}
			return VerifyItem(dest, item, alg)
		})
		if err != nil {
			return workpool.Outcome{Err: network.AnnotateItem(err, item.RelPath, id)}
		}
		return workpool.Outcome{Bytes: item.SizeInBytes}
	})

	if failures := workpool.Failures(outcomes); len(failures) > 0 {
		for i, f := range failures {
			item := manifest.Items[ids[f.Index]]
			failures[i].Err = itemFailure(f.Err, item.RelPath, ids[f.Index])
			d.logger.Errorf("Item %s failed: %s", item.RelPath, failures[i].Err)
		}
		return DownloadResult{}, fmt.Errorf("download failed (%d of %d items): %w", len(failures), len(ids), failures[0].Err)
	}
	d.logger.Donef("Downloaded in %s", time.Since(downloadStartTime).Round(time.Second))

	return DownloadResult{
		URI:      urls.URI,
		Manifest: manifest,
		Readme:   readme,
		Paths:    paths,
		Bytes:    workpool.TotalBytes(outcomes),
	}, nil
}

// VerifyItem checks the file at path against the manifest entry.
func VerifyItem(path string, item ManifestItem, alg HashAlgorithm) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	digest, n, err := alg.Sum(f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if n != item.SizeInBytes {
		return fmt.Errorf("%w: %s has %d bytes, manifest declares %d", ErrSizeMismatch, item.RelPath, n, item.SizeInBytes)
	}
	if digest != item.Hash {
		return fmt.Errorf("%w: %s is %s, manifest declares %s", ErrHashMismatch, item.RelPath, digest, item.Hash)
	}
	return nil
}

func (d *Downloader) itemURL(urls network.SignedURLSet, identifier string) (string, error) {
	itemURL, ok := urls.Items[identifier]
	if !ok || itemURL == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownItem, identifier)
	}
	return itemURL, nil
}

func (d *Downloader) downloadComponent(ctx context.Context, urls network.SignedURLSet, role string, opts DownloadOptions) ([]byte, error) {
	componentURL, ok := urls.URL(role)
	if !ok {
		return nil, &network.Error{Kind: network.KindNotFound, Op: "download", URI: urls.URI, RelPath: role}
	}

	var buf bytes.Buffer
	err := retry.Run(ctx, opts.policy(), func(ctx context.Context, attempt uint) error {
		if urls.Expired(d.now()) {
			return &network.Error{Kind: network.KindExpiredURLSet, Op: "download", URI: urls.URI, RelPath: role}
		}
		buf.Reset()
		_, err := d.executor.Download(ctx, componentURL, &buf, network.TransferOptions{Progress: opts.Progress, Hint: role})
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Downloader) downloadFile(ctx context.Context, url, dest string, item ManifestItem, progress network.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}
	if item.SizeInBytes == 0 {
		return os.WriteFile(dest, nil, 0644)
	}

	downloader := got.New()
	downloader.Client = d.fileClient
	downloader.ProgressFunc = func(dl *got.Download) {
		progress(int64(dl.Size()), int64(dl.TotalSize()), item.RelPath)
	}

	if err := downloader.Do(got.NewDownload(ctx, url, dest)); err != nil {
		if ctx.Err() != nil {
			return &network.Error{Kind: network.KindCancelled, Op: "download", Err: ctx.Err()}
		}
		return &network.Error{Kind: network.KindTransfer, Op: "download", Err: err}
	}
	// got reports on an interval and may have missed the tail of the file.
	progress(item.SizeInBytes, item.SizeInBytes, item.RelPath)
	return nil
}
