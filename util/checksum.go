// Package util holds the checksum engine shared by the backpack creator,
// verifier, and mirror server.
package util

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

const (
	// DefaultAlgorithm is the digest used for bare (untagged) checksums.
	DefaultAlgorithm = "md5"

	// chunkSize is how much of a stream is read at a time when computing
	// a digest.
	chunkSize = 4096
)

var (
	// ErrUnknownAlgorithm means no hash is registered under the given name.
	ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

	hashm  sync.RWMutex
	hashes = map[string]func() hash.Hash{
		"md5":    md5.New,
		"sha1":   sha1.New,
		"sha256": sha256.New,
		"sha512": sha512.New,
		"blake3": func() hash.Hash { return blake3.New() },
	}
)

// RegisterHash makes a new digest algorithm available under name. Names are
// case insensitive. Registering an existing name replaces it.
func RegisterHash(name string, fn func() hash.Hash) {
	hashm.Lock()
	hashes[strings.ToLower(name)] = fn
	hashm.Unlock()
}

// NewHash returns a fresh hash for the named algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	hashm.RLock()
	fn, ok := hashes[strings.ToLower(algorithm)]
	hashm.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownAlgorithm, algorithm)
	}
	return fn(), nil
}

// Digest reads r until EOF and returns the lower-case hex digest of its
// contents using the named algorithm. The reader is not closed.
func Digest(r io.Reader, algorithm string) (string, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", errors.Wrap(err, "computing digest")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the digest of the file at path.
func DigestFile(path string, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Digest(onlyReader{f}, algorithm)
}

// onlyReader hides any WriterTo/ReaderFrom so io.CopyBuffer actually uses
// our fixed size buffer.
type onlyReader struct {
	io.Reader
}

// SplitChecksum separates an algorithm tagged checksum such as
// "md5:5d41402a..." into its algorithm and hex value. A checksum without a tag
// is taken to use DefaultAlgorithm.
func SplitChecksum(checksum string) (algorithm, value string) {
	checksum = strings.TrimSpace(checksum)
	if i := strings.LastIndex(checksum, ":"); i >= 0 {
		return strings.ToLower(checksum[:i]), strings.ToLower(checksum[i+1:])
	}
	return DefaultAlgorithm, strings.ToLower(checksum)
}

// JoinChecksum is the inverse of SplitChecksum. Checksums using the default
// algorithm are left untagged.
func JoinChecksum(algorithm, value string) string {
	if algorithm == "" || strings.EqualFold(algorithm, DefaultAlgorithm) {
		return value
	}
	return strings.ToLower(algorithm) + ":" + value
}

// VerifyChecksum computes the digest of r using the algorithm named in the
// (possibly tagged) checksum and reports whether it matches. The computed hex
// value is returned as well.
func VerifyChecksum(r io.Reader, checksum string) (bool, string, error) {
	algorithm, want := SplitChecksum(checksum)
	got, err := Digest(r, algorithm)
	if err != nil {
		return false, "", err
	}
	return got == want, got, nil
}

// VerifyFileChecksum is VerifyChecksum for the file at path.
func VerifyFileChecksum(path, checksum string) (bool, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, "", err
	}
	defer f.Close()
	return VerifyChecksum(onlyReader{f}, checksum)
}
