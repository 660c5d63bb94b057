// Package backpack creates, downloads, and verifies backpacks. A backpack is
// a gzipped tar archive holding a single top-level folder, which contains a
// CONTENTS.json manifest and a payload directory:
//
//	<name>.zb/
//	    CONTENTS.json
//	    payload/
//	        ...
//
// The manifest records the format version, the version of the data, and a
// checksum for every payload file. A Creator makes the archive from a
// directory. A Downloader fetches an archive from a remote repository,
// extracts it, and verifies it. A Verifier checks an already extracted
// backpack, and Acquire finds one on the local disk given a path or an
// environment variable.
//
// Everything here is sequential. Concurrent use of the same target directory
// by more than one Downloader is not supported.
package backpack

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/backpack/manifest"
)

// CurrentFormatVersion is the manifest format version written and accepted
// by default.
const CurrentFormatVersion = 1

// RootSuffix is added to the input directory name to make the name of the
// top-level folder inside an archive.
const RootSuffix = ".zb"

// ArchiveSuffix is the file extension of a backpack archive.
const ArchiveSuffix = ".tar.gz"

// SymlinkPolicy says what the Creator does with symbolic links found in the
// input directory.
type SymlinkPolicy int

const (
	// SymlinksSkip leaves symbolic links out of the archive.
	SymlinksSkip SymlinkPolicy = iota
	// SymlinksFollow archives the file a link points to as a regular file.
	// Links to directories are skipped, to avoid cycles.
	SymlinksFollow
	// SymlinksError makes Create fail with ErrSymlink.
	SymlinksError
)

func (p SymlinkPolicy) String() string {
	switch p {
	case SymlinksSkip:
		return "skip"
	case SymlinksFollow:
		return "follow"
	case SymlinksError:
		return "error"
	}
	return "unknown"
}

// ParseSymlinkPolicy is the inverse of SymlinkPolicy.String. The empty string
// gives SymlinksSkip.
func ParseSymlinkPolicy(s string) (SymlinkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return SymlinksSkip, nil
	case "follow":
		return SymlinksFollow, nil
	case "error":
		return SymlinksError, nil
	}
	return SymlinksSkip, errors.Errorf("unknown symlink policy %q", s)
}

// Backpack is a handle to an extracted backpack. It is read only once made.
type Backpack struct {
	// BaseDirectory is the folder containing CONTENTS.json.
	BaseDirectory string

	// Manifest is loaded once, when the handle is made.
	Manifest *manifest.Manifest
}

// Open loads the manifest in dir. It returns a MalformedError if there is no
// manifest or it cannot be parsed.
func Open(dir string) (*Backpack, error) {
	m, err := manifest.Load(dir)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, malformed(ErrFileNotFound, "no %s in %s", manifest.FileName, dir)
	} else if err != nil {
		return nil, malformed(err, "failed to load %s from %s", manifest.FileName, dir)
	}
	return &Backpack{
		BaseDirectory: dir,
		Manifest:      m,
	}, nil
}

// PayloadDirectory is the path of the payload folder. It is always derived
// from the base directory, so a backpack may be moved after extraction.
func (bp *Backpack) PayloadDirectory() string {
	return filepath.Join(bp.BaseDirectory, bp.Manifest.PayloadDirectory)
}

// DataVersion is the data version recorded in the manifest.
func (bp *Backpack) DataVersion() string {
	return bp.Manifest.DataVersion
}

func formatVersion(v int) int {
	if v == 0 {
		return CurrentFormatVersion
	}
	return v
}
