package backpack

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/backpack/util"
)

// A Verifier checks an extracted backpack against its manifest. It holds no
// state between calls. The zero value accepts CurrentFormatVersion.
type Verifier struct {
	FormatVersion int
}

// Verify checks, in order, the manifest format version, the data version if
// expectedVersion is not nil, and the checksum of every payload file listed in
// the manifest. Versions are compared with surrounding white space removed.
//
// A format mismatch gives a VersionError and no checksums are computed. A data
// version mismatch, a missing payload file, or a checksum mismatch gives a
// MalformedError naming the problem. A nil return means the backpack is good.
func (v Verifier) Verify(bp *Backpack, expectedVersion *string) error {
	if err := v.checkVersions(bp, expectedVersion); err != nil {
		return err
	}
	log.Println("Verifying checksums of", bp.BaseDirectory)
	m := bp.Manifest
	for _, key := range m.Files() {
		if err := verifyFile(bp.BaseDirectory, key, m.Digests[key]); err != nil {
			return err
		}
	}
	log.Printf("Verification success: %d files", len(m.Digests))
	return nil
}

// checkVersions does the first two steps of Verify.
func (v Verifier) checkVersions(bp *Backpack, expectedVersion *string) error {
	want := formatVersion(v.FormatVersion)
	if bp.Manifest.FormatVersion != want {
		return &VersionError{Found: bp.Manifest.FormatVersion, Expected: want}
	}
	if expectedVersion == nil {
		log.Println("Warning: not verifying the data version")
		return nil
	}
	got := strings.TrimSpace(bp.Manifest.DataVersion)
	if got != strings.TrimSpace(*expectedVersion) {
		return malformed(nil, "data version in %s is %q, which does not match the expected version %q",
			bp.BaseDirectory, got, strings.TrimSpace(*expectedVersion))
	}
	log.Println("Data version matches:", got)
	return nil
}

func verifyFile(base, key, checksum string) error {
	p := filepath.Join(base, filepath.FromSlash(key))
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return malformed(ErrFileNotFound, "payload file %s listed in the manifest is missing", key)
	} else if err != nil {
		return errors.Wrap(err, key)
	}
	if !fi.Mode().IsRegular() {
		return malformed(nil, "payload file %s is not a regular file", key)
	}
	ok, got, err := util.VerifyFileChecksum(p, checksum)
	if errors.Is(err, util.ErrUnknownAlgorithm) {
		return malformed(err, "payload file %s", key)
	} else if err != nil {
		return errors.Wrap(err, key)
	}
	if !ok {
		return malformed(nil, "checksum of %s does not match the manifest: got %s, expected %s", key, got, checksum)
	}
	return nil
}

// VerifyDirectory opens the backpack in dir and verifies it with the default
// Verifier.
func VerifyDirectory(dir string, expectedVersion *string) error {
	bp, err := Open(dir)
	if err != nil {
		return err
	}
	return Verifier{}.Verify(bp, expectedVersion)
}
