package backpack

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ndlib/backpack/manifest"
)

// AcquireOptions says where to look for a backpack already on disk. Exactly
// one of Path and EnvVar must be set.
type AcquireOptions struct {
	// Path is the backpack folder.
	Path string

	// EnvVar is the name of an environment variable holding the backpack
	// folder.
	EnvVar string

	// VerifyChecksums checks every payload file.
	VerifyChecksums bool

	// ExpectedVersion, if not nil, must match the manifest data version.
	ExpectedVersion *string

	// FormatVersion is the format version to accept. Zero means
	// CurrentFormatVersion.
	FormatVersion int
}

// Acquire finds a backpack on the local disk, given either its path or the
// name of an environment variable containing its path. The folder must
// contain a manifest. The format version, and the data version if one is
// expected, are always checked. Payload checksums are checked only if
// VerifyChecksums is set.
//
// All problems locating the backpack give a MalformedError naming where
// Acquire was told to look.
func Acquire(opts AcquireOptions) (*Backpack, error) {
	var description, base string
	switch {
	case opts.Path != "" && opts.EnvVar != "":
		return nil, malformed(nil, "acquire needs either a path or an environment variable, not both")
	case opts.Path != "":
		description = fmt.Sprintf("path %s", opts.Path)
		base = opts.Path
	case opts.EnvVar != "":
		description = fmt.Sprintf("environment variable %s", opts.EnvVar)
		var ok bool
		base, ok = os.LookupEnv(opts.EnvVar)
		if !ok || base == "" {
			log.Printf("Could not find environment variable %s. Please check it exists.", opts.EnvVar)
			return nil, malformed(nil, "%s is not set", description)
		}
	default:
		return nil, malformed(nil, "acquire needs either a path or an environment variable")
	}

	fi, err := os.Stat(base)
	if err != nil || !fi.IsDir() {
		return nil, malformed(err, "%s is not a directory so cannot hold a backpack", description)
	}
	if _, err := os.Stat(filepath.Join(base, manifest.FileName)); err != nil {
		return nil, malformed(ErrFileNotFound, "%s does not contain a %s file, so is not a valid backpack",
			description, manifest.FileName)
	}
	bp, err := Open(base)
	if err != nil {
		return nil, err
	}

	v := Verifier{FormatVersion: opts.FormatVersion}
	if opts.VerifyChecksums {
		err = v.Verify(bp, opts.ExpectedVersion)
	} else {
		err = v.checkVersions(bp, opts.ExpectedVersion)
	}
	if err != nil {
		return nil, err
	}
	log.Println("Retrieval successful. Location of backpack is", base)
	return bp, nil
}
