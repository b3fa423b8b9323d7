package dataset

import (
	"fmt"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DtoolcoreVersion is the manifest format version written by this package.
const DtoolcoreVersion = "3.18.2"

// Manifest is the authoritative index of a dataset's items.
type Manifest struct {
	DtoolcoreVersion string                  `json:"dtoolcore_version"`
	HashFunction     string                  `json:"hash_function"`
	Items            map[string]ManifestItem `json:"items"`
}

// ManifestItem ...
type ManifestItem struct {
	Hash         string  `json:"hash"`
	RelPath      string  `json:"relpath"`
	SizeInBytes  int64   `json:"size_in_bytes"`
	UTCTimestamp float64 `json:"utc_timestamp"`
}

// BuildManifest assembles the manifest of items. It must only be called once every
// item's content is stored: the result declares the dataset's contents for good.
func BuildManifest(items []Item, hashFunction, version string) Manifest {
	if version == "" {
		version = DtoolcoreVersion
	}
	entries := make(map[string]ManifestItem, len(items))
	for _, item := range items {
		entries[Identifier(item.RelPath)] = ManifestItem{
			Hash:         item.Hash,
			RelPath:      item.RelPath,
			SizeInBytes:  item.SizeInBytes,
			UTCTimestamp: item.UTCTimestamp,
		}
	}
	return Manifest{
		DtoolcoreVersion: version,
		HashFunction:     hashFunction,
		Items:            entries,
	}
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ReadManifest is ParseManifest on a stream.
func ReadManifest(r io.Reader) (Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks that every key is the identifier of its item's relpath.
func (m Manifest) Validate() error {
	if m.HashFunction == "" {
		return fmt.Errorf("%w: missing hash_function", ErrInvalidManifest)
	}
	for id, item := range m.Items {
		if want := Identifier(item.RelPath); id != want {
			return fmt.Errorf("%w: key %s does not match relpath %s (expected %s)", ErrInvalidManifest, id, item.RelPath, want)
		}
		if item.SizeInBytes < 0 {
			return fmt.Errorf("%w: negative size for %s", ErrInvalidManifest, item.RelPath)
		}
	}
	return nil
}

// Encode returns the JSON document uploaded as the dataset manifest.
func (m Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Identifiers returns the item identifiers ordered by relpath.
func (m Manifest) Identifiers() []string {
	ids := make([]string, 0, len(m.Items))
	for id := range m.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.Items[ids[i]].RelPath < m.Items[ids[j]].RelPath
	})
	return ids
}

// TotalSize sums the sizes of all items.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, item := range m.Items {
		total += item.SizeInBytes
	}
	return total
}

// HashAlgorithm returns the algorithm the manifest was written with.
func (m Manifest) HashAlgorithm() (HashAlgorithm, error) {
	return LookupHashAlgorithm(m.HashFunction)
}
