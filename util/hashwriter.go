package util

import (
	"encoding/hex"
	"hash"
	"io"
)

// A HashWriter wraps an io.Writer and also computes digests of the bytes
// written, one per requested algorithm. It is used to checksum an archive
// while it is being written, so the archive does not need a second pass.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	hashes    map[string]hash.Hash
	n         int64
}

// NewHashWriter returns a HashWriter wrapping w which computes the given
// algorithms. With no algorithms it computes DefaultAlgorithm.
func NewHashWriter(w io.Writer, algorithms ...string) (*HashWriter, error) {
	if len(algorithms) == 0 {
		algorithms = []string{DefaultAlgorithm}
	}
	hw := &HashWriter{hashes: make(map[string]hash.Hash)}
	writers := []io.Writer{&countWriter{&hw.n}}
	if w != nil {
		writers = append(writers, w)
	}
	for _, name := range algorithms {
		h, err := NewHash(name)
		if err != nil {
			return nil, err
		}
		hw.hashes[name] = h
		writers = append(writers, h)
	}
	hw.Writer = io.MultiWriter(writers...)
	return hw, nil
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output stream.
// It will just compute the checksums of the data written to it.
func NewHashWriterPlain(algorithms ...string) (*HashWriter, error) {
	return NewHashWriter(nil, algorithms...)
}

// Sum returns the hex digest for the given algorithm of everything written
// so far. It returns "" if the algorithm was not requested when the writer
// was made.
func (hw *HashWriter) Sum(algorithm string) string {
	h, ok := hw.hashes[algorithm]
	if !ok {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Check compares the digest for the algorithm named by checksum against the
// value in checksum. An empty checksum is treated as matching.
func (hw *HashWriter) Check(checksum string) (string, bool) {
	if checksum == "" {
		return "", true
	}
	algorithm, want := SplitChecksum(checksum)
	got := hw.Sum(algorithm)
	return got, got != "" && got == want
}

// Size is the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.n
}

// countWriter is an io.Writer that counts the number of bytes written to it.
type countWriter struct {
	count *int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	*w.count += int64(len(p))
	return len(p), nil
}
