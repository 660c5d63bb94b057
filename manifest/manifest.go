// Package manifest reads and writes the CONTENTS.json file that sits at the
// root of every backpack. The manifest binds a data version and a checksum for
// every payload file to the archive, so an extracted backpack can be verified
// without any outside information.
//
// The canonical document looks like
//
//	{
//	  "format_version": 1,
//	  "data_version": "1.2.3",
//	  "digests": {"payload/a.txt": "5d41402abc4b2a76b9719d911017c592"}
//	}
//
// Digest keys are slash separated and relative to the backpack root, which
// means they always begin with the payload directory name. A digest is either
// bare hex, which means MD5, or tagged with its algorithm, e.g. "sha256:ab12...".
//
// Older archives used a flat layout, where the versions were stored under
// "zenodo_backpack_version" and "version" and every other key was a digest.
// Parse accepts those too, and sets Legacy.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"

	"github.com/ndlib/backpack/util"
)

const (
	// FileName is the name of the manifest inside a backpack.
	FileName = "CONTENTS.json"

	// PayloadDir is the name of the directory holding the payload files.
	PayloadDir = "payload"

	keyFormatVersion = "format_version"
	keyDataVersion   = "data_version"
	keyDigests       = "digests"

	legacyKeyFormatVersion = "zenodo_backpack_version"
	legacyKeyDataVersion   = "version"
)

// ErrMalformed is wrapped by every error Parse returns for a document which
// is not a valid manifest.
var ErrMalformed = errors.New("malformed manifest")

// Manifest is the parsed form of CONTENTS.json.
type Manifest struct {
	FormatVersion int
	DataVersion   string

	// Digests maps a slash separated path, relative to the backpack root,
	// to its expected checksum.
	Digests map[string]string

	// PayloadDirectory is the first path element shared by every digest
	// key. It is PayloadDir for every manifest this package writes.
	PayloadDirectory string

	// Legacy is true if the manifest was read from the older flat layout.
	Legacy bool
}

// New returns an empty manifest for the given versions.
func New(formatVersion int, dataVersion string) *Manifest {
	return &Manifest{
		FormatVersion:    formatVersion,
		DataVersion:      dataVersion,
		Digests:          make(map[string]string),
		PayloadDirectory: PayloadDir,
	}
}

// Add records the checksum for the payload file with the given path. The path
// is relative to the payload directory and may use the host separator.
func (m *Manifest) Add(rel string, checksum string) {
	key := path.Join(m.PayloadDirectory, filepath.ToSlash(rel))
	m.Digests[key] = checksum
}

// Files returns the digest keys in sorted order.
func (m *Manifest) Files() []string {
	return sortedKeys(m.Digests)
}

type document struct {
	FormatVersion    int               `json:"format_version"`
	DataVersion      string            `json:"data_version"`
	Digests          map[string]string `json:"digests"`
	PayloadDirectory string            `json:"payload_directory,omitempty"`
}

// Serialize encodes the manifest in its canonical form. A legacy manifest is
// written out in the canonical form as well.
func Serialize(m *Manifest) ([]byte, error) {
	doc := document{
		FormatVersion:    m.FormatVersion,
		DataVersion:      m.DataVersion,
		Digests:          m.Digests,
		PayloadDirectory: m.PayloadDirectory,
	}
	if doc.Digests == nil {
		doc.Digests = map[string]string{}
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// Parse decodes a manifest. It returns an error wrapping ErrMalformed if the
// document is not JSON or if a required key is missing.
func Parse(buf []byte) (*Manifest, error) {
	v, err := jason.NewObjectFromBytes(buf)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decoding: %s", err)
	}
	if _, err := v.GetValue(keyFormatVersion); err != nil {
		if _, lerr := v.GetValue(legacyKeyFormatVersion); lerr == nil {
			return parseLegacy(v)
		}
	}
	m := &Manifest{}
	fv, err := v.GetInt64(keyFormatVersion)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %s", keyFormatVersion, err)
	}
	m.FormatVersion = int(fv)
	m.DataVersion, err = versionString(v, keyDataVersion)
	if err != nil {
		return nil, err
	}
	digests, err := v.GetObject(keyDigests)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %s", keyDigests, err)
	}
	m.Digests = make(map[string]string)
	for key, value := range digests.Map() {
		s, err := value.String()
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "digest for %s is not a string", key)
		}
		m.Digests[key] = s
	}
	m.PayloadDirectory = PayloadDir
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// parseLegacy reads the flat layout. There every key besides the two version
// keys is a digest, and the keys are prefixed with a slash and the name of the
// original input directory.
func parseLegacy(v *jason.Object) (*Manifest, error) {
	m := &Manifest{Legacy: true}
	fv, err := v.GetInt64(legacyKeyFormatVersion)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %s", legacyKeyFormatVersion, err)
	}
	m.FormatVersion = int(fv)
	m.DataVersion, err = versionString(v, legacyKeyDataVersion)
	if err != nil {
		return nil, err
	}
	m.Digests = make(map[string]string)
	for key, value := range v.Map() {
		if key == legacyKeyFormatVersion || key == legacyKeyDataVersion {
			continue
		}
		s, err := value.String()
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "digest for %s is not a string", key)
		}
		m.Digests[strings.TrimPrefix(key, "/")] = s
	}
	if keys := m.Files(); len(keys) > 0 {
		m.PayloadDirectory = strings.SplitN(keys[0], "/", 2)[0]
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// versionString reads a data version, which some producers write as a number.
func versionString(v *jason.Object, key string) (string, error) {
	value, err := v.GetValue(key)
	if err != nil {
		return "", errors.Wrapf(ErrMalformed, "%s: %s", key, err)
	}
	if s, err := value.String(); err == nil {
		return s, nil
	}
	if n, err := value.Number(); err == nil {
		return n.String(), nil
	}
	return "", errors.Wrapf(ErrMalformed, "%s is neither a string nor a number", key)
}

// validate checks every digest key stays inside the payload directory and
// every digest is hex.
func (m *Manifest) validate() error {
	prefix := m.PayloadDirectory + "/"
	for key, checksum := range m.Digests {
		if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
			return errors.Wrapf(ErrMalformed, "invalid path %q", key)
		}
		if path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
			return errors.Wrapf(ErrMalformed, "invalid path %q", key)
		}
		if !strings.HasPrefix(key, prefix) || key == FileName {
			return errors.Wrapf(ErrMalformed, "path %q is outside %s", key, m.PayloadDirectory)
		}
		_, value := util.SplitChecksum(checksum)
		if _, err := hex.DecodeString(value); err != nil || value == "" {
			return errors.Wrapf(ErrMalformed, "checksum for %s is not hex", key)
		}
	}
	return nil
}

// Load reads the manifest in the given backpack directory.
func Load(dir string) (*Manifest, error) {
	buf, err := ioutil.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Save writes the manifest into the given backpack directory.
func Save(dir string, m *Manifest) error {
	buf, err := Serialize(m)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dir, FileName), buf, 0644)
}

// Equal reports whether two manifests describe the same content. Key order
// and the Legacy flag do not matter.
func Equal(a, b *Manifest) bool {
	if a.FormatVersion != b.FormatVersion ||
		a.DataVersion != b.DataVersion ||
		len(a.Digests) != len(b.Digests) {
		return false
	}
	for k, v := range a.Digests {
		if w, ok := b.Digests[k]; !ok || !strings.EqualFold(v, w) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
