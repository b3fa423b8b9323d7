package dataset

import (
	"crypto/sha1"
	"encoding/hex"
)

// Identifier derives the stable key of an item from its relative path: the lowercase
// hex SHA-1 digest of the path. The same path always gives the same identifier, so
// manifests written in earlier sessions stay addressable.
func Identifier(relPath string) string {
	sum := sha1.Sum([]byte(relPath))
	return hex.EncodeToString(sum[:])
}
