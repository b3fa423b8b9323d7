package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dtool-tools/go-signedtransfer/dataset/network"
	"github.com/gabriel-vasile/mimetype"
)

// Collector turns a local directory into upload sources.
type Collector struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

// NewCollector ...
func NewCollector(logger log.Logger, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) *Collector {
	return &Collector{
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
	}
}

// Collect walks root and returns one Source per regular file, with slash-separated
// relpaths, ordered by relpath. include and exclude are doublestar patterns matched
// against the relpath; an empty include list selects every file.
func (c *Collector) Collect(root string, include, exclude []string) ([]Source, error) {
	absRoot, err := c.pathModifier.AbsPath(root) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	exists, err := c.pathChecker.IsDirExists(absRoot)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", absRoot, err)
	}
	if !exists {
		return nil, fmt.Errorf("directory doesn't exist: %s", absRoot)
	}

	for _, pattern := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern: %s", pattern)
		}
	}

	var sources []Source
	fsys := os.DirFS(absRoot)
	err = fs.WalkDir(fsys, ".", func(relPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !matchesAny(include, relPath, true) || matchesAny(exclude, relPath, false) {
			c.logger.Debugf("Skipping %s", relPath)
			return nil
		}

		payload, err := network.NewFilePayload(filepath.Join(absRoot, filepath.FromSlash(relPath)))
		if err != nil {
			return err
		}
		sources = append(sources, Source{
			RelPath:     relPath,
			Payload:     payload,
			ContentType: detectContentType(payload.Path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", absRoot, err)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].RelPath < sources[j].RelPath })
	c.logger.Debugf("Collected %d items from %s", len(sources), absRoot)
	return sources, nil
}

func matchesAny(patterns []string, relPath string, emptyMatches bool) bool {
	if len(patterns) == 0 {
		return emptyMatches
	}
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil || mt == nil {
		return ""
	}
	return mt.String()
}
