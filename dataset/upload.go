package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/dtool-tools/go-signedtransfer/dataset/network"
	"github.com/dtool-tools/go-signedtransfer/dataset/network/workpool"
	"github.com/dtool-tools/go-signedtransfer/retry"
	"github.com/google/uuid"
)

// DefaultUploadConcurrency is the number of item uploads in flight when not configured.
const DefaultUploadConcurrency = 4

// UploadOptions ...
type UploadOptions struct {
	// Progress receives cumulative uploaded bytes across all items. May be nil.
	Progress network.ProgressFunc
	// Concurrency caps parallel item uploads. Default: DefaultUploadConcurrency
	Concurrency int
	// Readme is the README.yml content.
	Readme      string
	Tags        []string
	Annotations map[string]interface{}
	// CreatorUsername is recorded in the admin metadata.
	CreatorUsername string
	// HashFunction is the preferred content digest. Default: DefaultHashFunction
	HashFunction string
	// Retry is applied to every single transfer. Default: no retries
	Retry *retry.Policy
}

// UploadResult is the record of a completed upload.
type UploadResult struct {
	Completion network.Completion
	Manifest   Manifest
	Items      []Item
	Bytes      int64
}

// Uploader creates datasets.
type Uploader struct {
	gateway  network.Gateway
	executor *network.Executor
	logger   log.Logger
	now      func() time.Time
}

// NewUploader ...
func NewUploader(gateway network.Gateway, executor *network.Executor, logger log.Logger) *Uploader {
	return &Uploader{
		gateway:  gateway,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

type uploadTask struct {
	item    Item
	payload network.Payload
	url     string
}

// UploadDataset creates the dataset name under baseURI from sources.
//
// Every item is uploaded before the readme, the manifest is built only after all of
// them succeeded, and completion is signalled last. If any item fails the upload stops
// there: the first failure (in input order) is returned, carrying the item's relpath
// and identifier, and the dataset is not registered.
func (u *Uploader) UploadDataset(ctx context.Context, baseURI, name string, sources []Source, opts UploadOptions) (UploadResult, error) {
	u.logger.TDebugf("Upload start")
	defer u.logger.TDebugf("Upload done")

	if name == "" {
		return UploadResult{}, fmt.Errorf("dataset name should not be empty")
	}
	if err := checkUnique(sources); err != nil {
		return UploadResult{}, err
	}
	if err := ValidateReadme(opts.Readme); err != nil {
		return UploadResult{}, err
	}

	alg, fellBack := ResolveHashAlgorithm(opts.HashFunction)
	if fellBack {
		u.logger.Warnf("Hash function %s is not available, using %s", opts.HashFunction, alg.Name)
	}

	u.logger.Infof("Summarizing %d items...", len(sources))
	frozenAt := u.now().UTC()
	items := make([]Item, 0, len(sources))
	var totalSize int64
	for _, src := range sources {
		item, err := NewItem(src, alg, frozenAt)
		if err != nil {
			return UploadResult{}, err
		}
		items = append(items, item)
		totalSize += item.SizeInBytes
	}
	u.logger.Printf("Dataset size: %s", units.HumanSizeWithPrecision(float64(totalSize), 3))

	descriptor := NewDescriptor(name, opts.CreatorUsername, frozenAt, items)
	descriptor.Readme = opts.Readme
	descriptor.Tags = opts.Tags
	descriptor.Annotations = opts.Annotations

	u.logger.Debugf("Get write URLs")
	urls, err := u.gateway.GetWriteURLs(ctx, baseURI, descriptor)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to get write URLs: %w", err)
	}
	u.logger.Debugf("Dataset URI: %s", urls.URI)
	if urls.Expired(u.now()) {
		return UploadResult{}, &network.Error{Kind: network.KindExpiredURLSet, Op: "upload", URI: urls.URI}
	}

	tasks := make([]uploadTask, len(items))
	for i, item := range items {
		itemURL, ok := urls.Items[item.Identifier]
		if !ok || itemURL.URL == "" {
			return UploadResult{}, fmt.Errorf("no write URL for item %s [%s]", item.RelPath, item.Identifier)
		}
		tasks[i] = uploadTask{item: item, payload: sources[i].Payload, url: itemURL.URL}
	}

	policy := retry.NoRetry()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultUploadConcurrency
	}

	u.logger.Println()
	u.logger.Infof("Uploading %d items (%d in parallel)...", len(tasks), concurrency)
	uploadStartTime := time.Now()
	progress := network.NewProgress(totalSize, opts.Progress)

	outcomes := workpool.Run(ctx, tasks, concurrency, func(ctx context.Context, _ int, task uploadTask) workpool.Outcome {
		n, err := u.uploadOne(ctx, urls, task, policy, progress.Tracker())
		return workpool.Outcome{Bytes: n, Err: err}
	})

	if failures := workpool.Failures(outcomes); len(failures) > 0 {
		for i, f := range failures {
			item := tasks[f.Index].item
			failures[i].Err = itemFailure(f.Err, item.RelPath, item.Identifier)
			u.logger.Errorf("Item %s failed: %s", item.RelPath, failures[i].Err)
		}
		return UploadResult{}, fmt.Errorf("upload failed (%d of %d items): %w", len(failures), len(tasks), failures[0].Err)
	}
	u.logger.Donef("Items uploaded in %s", time.Since(uploadStartTime).Round(time.Second))

	if urls.Readme != "" {
		u.logger.Debugf("Upload readme")
		if err := u.uploadComponent(ctx, urls, urls.Readme, network.StringPayload(opts.Readme), "README.yml", policy); err != nil {
			return UploadResult{}, fmt.Errorf("failed to upload readme: %w", err)
		}
	}

	manifest := BuildManifest(items, alg.Name, DtoolcoreVersion)
	if urls.Manifest != "" {
		u.logger.Debugf("Upload manifest")
		data, err := manifest.Encode()
		if err != nil {
			return UploadResult{}, fmt.Errorf("encode manifest: %w", err)
		}
		if err := u.uploadComponent(ctx, urls, urls.Manifest, network.BytesPayload(data), "manifest.json", policy); err != nil {
			return UploadResult{}, fmt.Errorf("failed to upload manifest: %w", err)
		}
	}

	u.logger.Debugf("Signal upload complete")
	completion, err := u.gateway.SignalComplete(ctx, urls.URI)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to signal upload complete: %w", err)
	}
	if !completion.Succeeded() {
		return UploadResult{}, fmt.Errorf("upload of %s not registered, status: %s", urls.URI, completion.Status)
	}
	if completion.URI == "" {
		completion.URI = urls.URI
	}

	u.logger.Donef("Dataset %s registered as %s", completion.Name, completion.URI)
	return UploadResult{
		Completion: completion,
		Manifest:   manifest,
		Items:      items,
		Bytes:      workpool.TotalBytes(outcomes),
	}, nil
}

func (u *Uploader) uploadOne(ctx context.Context, urls network.WriteURLSet, task uploadTask, policy retry.Policy, progress network.ProgressFunc) (int64, error) {
	n, err := retry.Do(ctx, policy, func(ctx context.Context, attempt uint) (int64, error) {
		if urls.Expired(u.now()) {
			return 0, &network.Error{Kind: network.KindExpiredURLSet, Op: "upload", URI: urls.URI}
		}
		if attempt > 0 {
			u.logger.Warnf("Retrying upload of %s (attempt %d)", task.item.RelPath, attempt+1)
		}
		return u.executor.Upload(ctx, task.url, task.payload, network.TransferOptions{
			Progress: progress,
			Hint:     task.item.RelPath,
			Headers:  itemHeaders(task.item),
		})
	})
	return n, network.AnnotateItem(err, task.item.RelPath, task.item.Identifier)
}

func (u *Uploader) uploadComponent(ctx context.Context, urls network.WriteURLSet, url string, payload network.Payload, hint string, policy retry.Policy) error {
	return retry.Run(ctx, policy, func(ctx context.Context, attempt uint) error {
		if urls.Expired(u.now()) {
			return &network.Error{Kind: network.KindExpiredURLSet, Op: "upload", URI: urls.URI, RelPath: hint}
		}
		_, err := u.executor.Upload(ctx, url, payload, network.TransferOptions{Hint: hint})
		return err
	})
}

func itemHeaders(item Item) map[string]string {
	if item.ContentType == "" {
		return nil
	}
	return map[string]string{"Content-Type": item.ContentType}
}

// itemFailure ties the error of a failed outcome to its item. Tasks the pool never
// started count as cancelled.
func itemFailure(err error, relPath, identifier string) error {
	var notStarted *workpool.CancelledError
	if errors.As(err, &notStarted) {
		return &network.Error{Kind: network.KindCancelled, Op: "schedule", RelPath: relPath, Identifier: identifier, Err: notStarted.Err}
	}
	return network.AnnotateItem(err, relPath, identifier)
}

// NewDescriptor declares a new dataset with a fresh UUID.
func NewDescriptor(name, creator string, frozenAt time.Time, items []Item) network.Descriptor {
	descriptorItems := make([]network.DescriptorItem, len(items))
	for i, item := range items {
		descriptorItems[i] = network.DescriptorItem{
			Identifier:   item.Identifier,
			RelPath:      item.RelPath,
			SizeInBytes:  item.SizeInBytes,
			Hash:         item.Hash,
			UTCTimestamp: item.UTCTimestamp,
		}
	}
	return network.Descriptor{
		UUID:            uuid.NewString(),
		Name:            name,
		CreatorUsername: creator,
		FrozenAt:        frozenAt,
		Items:           descriptorItems,
	}
}
