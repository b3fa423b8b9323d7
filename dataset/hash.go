package dataset

import (
	"crypto"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	// Register the digests the manifest can declare.
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"

	"github.com/dtool-tools/go-signedtransfer/dataset/network"
)

// Hash function names as they appear in the manifest's hash_function field.
const (
	MD5SumHexdigest    = "md5sum_hexdigest"
	SHA1SumHexdigest   = "sha1sum_hexdigest"
	SHA256SumHexdigest = "sha256sum_hexdigest"
)

// DefaultHashFunction is the preferred content digest of new manifests.
const DefaultHashFunction = MD5SumHexdigest

// FallbackHashFunction replaces the preferred digest when that one is not available.
const FallbackHashFunction = SHA256SumHexdigest

// HashAlgorithm computes item content digests and knows the name it is declared under.
type HashAlgorithm struct {
	Name string
	hash crypto.Hash
}

var hashAlgorithms = map[string]crypto.Hash{
	MD5SumHexdigest:    crypto.MD5,
	SHA1SumHexdigest:   crypto.SHA1,
	SHA256SumHexdigest: crypto.SHA256,
}

// LookupHashAlgorithm returns the algorithm declared as name.
func LookupHashAlgorithm(name string) (HashAlgorithm, error) {
	h, ok := hashAlgorithms[name]
	if !ok {
		return HashAlgorithm{}, fmt.Errorf("%w: %s", ErrUnknownHashFunction, name)
	}
	if !h.Available() {
		return HashAlgorithm{}, fmt.Errorf("%w: %s is not linked into this binary", ErrUnknownHashFunction, name)
	}
	return HashAlgorithm{Name: name, hash: h}, nil
}

// ResolveHashAlgorithm returns preferred when it can be used, and FallbackHashFunction
// otherwise. The returned Name is always the algorithm actually used, and is what ends
// up in the manifest.
func ResolveHashAlgorithm(preferred string) (HashAlgorithm, bool) {
	if preferred == "" {
		preferred = DefaultHashFunction
	}
	if alg, err := LookupHashAlgorithm(preferred); err == nil {
		return alg, false
	}
	return HashAlgorithm{Name: FallbackHashFunction, hash: crypto.SHA256}, true
}

// New returns a fresh hash.Hash.
func (a HashAlgorithm) New() hash.Hash {
	return a.hash.New()
}

// Sum hashes r to the end and returns the hex digest and the number of bytes read.
func (a HashAlgorithm) Sum(r io.Reader) (string, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Summarize streams the payload once and returns its size and content digest.
func Summarize(payload network.Payload, alg HashAlgorithm) (int64, string, error) {
	r, err := payload.Open()
	if err != nil {
		return 0, "", err
	}
	defer r.Close() //nolint:errcheck

	digest, n, err := alg.Sum(r)
	if err != nil {
		return 0, "", fmt.Errorf("hash content: %w", err)
	}
	if n != payload.Size() {
		return 0, "", fmt.Errorf("%w: declared %d bytes, read %d", ErrSizeMismatch, payload.Size(), n)
	}
	return n, digest, nil
}
