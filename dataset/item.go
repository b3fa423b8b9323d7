// Package dataset moves datasets to and from an object store through signed URLs:
// it derives item identifiers, summarises content, builds the manifest and drives
// the bounded concurrent transfers.
package dataset

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dtool-tools/go-signedtransfer/dataset/network"
)

// ErrDuplicateRelPath ...
var ErrDuplicateRelPath = errors.New("duplicate item relpath")

// ErrInvalidRelPath ...
var ErrInvalidRelPath = errors.New("invalid item relpath")

// ErrUnknownHashFunction ...
var ErrUnknownHashFunction = errors.New("unknown hash function")

// ErrSizeMismatch ...
var ErrSizeMismatch = errors.New("size mismatch")

// ErrHashMismatch ...
var ErrHashMismatch = errors.New("hash mismatch")

// ErrUnknownItem ...
var ErrUnknownItem = errors.New("unknown item identifier")

// ErrInvalidManifest ...
var ErrInvalidManifest = errors.New("invalid manifest")

// Source is one piece of content to upload and the path it gets in the dataset.
type Source struct {
	RelPath     string
	Payload     network.Payload
	ContentType string
}

// Item is a dataset item with its content summary. Items are values: a changed item is
// a new Item, never an update of an existing one.
type Item struct {
	RelPath      string
	Identifier   string
	SizeInBytes  int64
	Hash         string
	ContentType  string
	UTCTimestamp float64
}

// NewItem summarises the content of src with alg.
func NewItem(src Source, alg HashAlgorithm, now time.Time) (Item, error) {
	if err := ValidateRelPath(src.RelPath); err != nil {
		return Item{}, err
	}
	size, digest, err := Summarize(src.Payload, alg)
	if err != nil {
		return Item{}, fmt.Errorf("summarize %s: %w", src.RelPath, err)
	}
	return Item{
		RelPath:      src.RelPath,
		Identifier:   Identifier(src.RelPath),
		SizeInBytes:  size,
		Hash:         digest,
		ContentType:  src.ContentType,
		UTCTimestamp: utcTimestamp(now),
	}, nil
}

// ValidateRelPath rejects paths that cannot be stored as a dataset item.
func ValidateRelPath(relPath string) error {
	switch {
	case relPath == "":
		return fmt.Errorf("%w: empty", ErrInvalidRelPath)
	case strings.Contains(relPath, "\\"):
		return fmt.Errorf("%w: %s uses backslashes", ErrInvalidRelPath, relPath)
	case strings.HasPrefix(relPath, "/"):
		return fmt.Errorf("%w: %s is absolute", ErrInvalidRelPath, relPath)
	case path.Clean(relPath) != relPath:
		return fmt.Errorf("%w: %s is not clean", ErrInvalidRelPath, relPath)
	case relPath == ".." || strings.HasPrefix(relPath, "../"):
		return fmt.Errorf("%w: %s leaves the dataset", ErrInvalidRelPath, relPath)
	}
	return nil
}

// checkUnique fails on the first relpath used twice.
func checkUnique(sources []Source) error {
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if _, ok := seen[src.RelPath]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRelPath, src.RelPath)
		}
		seen[src.RelPath] = struct{}{}
	}
	return nil
}

func utcTimestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
