package repository

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/certifi/gocertifi"
	"github.com/pkg/errors"
)

// Defaults for a Zenodo connection.
const (
	DefaultZenodoAPI   = "https://zenodo.org/api"
	DefaultDOIResolver = "https://doi.org/"

	// the timeouts are arbitrary, and are just there so we don't hang
	// indefinitely should the server never close the connection.
	DefaultMetadataTimeout = 15 * time.Second
	DefaultTimeout         = 10 * time.Minute
)

// Zenodo is a Repository backed by the Zenodo records API, or anything
// serving the same JSON, such as the mirror in the server package.
// It can be shared between multiple goroutines once the first request has
// been made.
type Zenodo struct {
	// APIURL is the base of the records API, e.g. "https://zenodo.org/api".
	APIURL string

	// DOIResolver is prepended to identifiers which are not URLs.
	DOIResolver string

	// MetadataTimeout bounds identifier resolution and record lookups.
	MetadataTimeout time.Duration

	// Timeout bounds file transfers.
	Timeout time.Duration

	client *http.Client
}

var _ Repository = &Zenodo{}

// NewZenodo returns a connection to zenodo.org.
func NewZenodo() *Zenodo {
	return &Zenodo{
		APIURL:          DefaultZenodoAPI,
		DOIResolver:     DefaultDOIResolver,
		MetadataTimeout: DefaultMetadataTimeout,
		Timeout:         DefaultTimeout,
	}
}

// Resolve follows the redirect for a DOI and returns the record id, which
// is the last path element of the page the DOI resolves to. An identifier
// made only of digits is taken to already be a record id.
func (z *Zenodo) Resolve(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", ErrNotResolved
	}
	if isDigits(identifier) {
		return identifier, nil
	}
	target := identifier
	if !strings.HasPrefix(target, "http") {
		target = z.resolver() + identifier
	}
	log.Println("Retrieving URL", target)
	ctx, cancel := context.WithTimeout(context.Background(), z.metadataTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return "", err
	}
	resp, err := z.do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Wrapf(ErrNotResolved, "%s returned status %d, check the DOI is correct", identifier, resp.StatusCode)
	}
	recordID := strings.TrimSpace(path.Base(resp.Request.URL.Path))
	if recordID == "" || recordID == "/" || recordID == "." {
		return "", errors.Wrap(ErrNotResolved, identifier)
	}
	return recordID, nil
}

// ListFiles reads the record metadata. When a version is requested and the
// record is not that version, the other versions of the record are searched.
func (z *Zenodo) ListFiles(recordID, version string) (*Record, error) {
	v, err := z.doJasonGet("/records/" + url.PathEscape(recordID))
	if err != nil {
		return nil, err
	}
	record, err := recordFromJSON(v)
	if err != nil {
		return nil, err
	}
	version = strings.TrimSpace(version)
	if version == "" || strings.TrimSpace(record.Version) == version {
		return record, nil
	}

	log.Printf("Record %s has version %s, looking for version %s", recordID, record.Version, version)
	v, err = z.doJasonGet("/records/" + url.PathEscape(recordID) + "/versions?size=1000&allversions=true")
	if err != nil {
		return nil, err
	}
	hits, err := v.GetObjectArray("hits", "hits")
	if err != nil {
		return nil, errors.Wrap(err, "reading versions")
	}
	for _, hit := range hits {
		r, err := recordFromJSON(hit)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.Version) == version {
			return r, nil
		}
	}
	return nil, errors.Wrapf(ErrVersionNotFound, "record %s, version %s", recordID, version)
}

// Download copies the file's content link to destination.
func (z *Zenodo) Download(f File, destination string, progress io.Writer) error {
	req, err := http.NewRequest("GET", f.Link, nil)
	if err != nil {
		return err
	}
	resp, err := z.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		break
	case 404:
		log.Println("returned 404", f.Link)
		return ErrNotFound
	default:
		return fmt.Errorf("received status %d for %s", resp.StatusCode, f.Link)
	}
	if err := saveStream(resp.Body, destination, progress); err != nil {
		return err
	}
	if f.Size > 0 {
		fi, err := os.Stat(destination)
		if err != nil {
			return err
		}
		if fi.Size() != f.Size {
			return fmt.Errorf("short download of %s: got %d bytes, expected %d", f.Key, fi.Size(), f.Size)
		}
	}
	return nil
}

// recordFromJSON pulls the fields we need out of a Zenodo record.
func recordFromJSON(v *jason.Object) (*Record, error) {
	var result Record
	id, err := v.GetValue("id")
	if err != nil {
		return nil, errors.Wrap(err, "record has no id")
	}
	if s, err := id.String(); err == nil {
		result.ID = s
	} else if n, err := id.Number(); err == nil {
		result.ID = n.String()
	}
	// the version is optional in Zenodo
	if vv, err := v.GetValue("metadata", "version"); err == nil {
		if s, err := vv.String(); err == nil {
			result.Version = s
		} else if n, err := vv.Number(); err == nil {
			result.Version = n.String()
		}
	}
	files, err := v.GetObjectArray("files")
	if err != nil {
		return nil, errors.Wrapf(err, "record %s has no file list", result.ID)
	}
	for _, f := range files {
		var file File
		file.Key, err = f.GetString("key")
		if err != nil {
			return nil, errors.Wrapf(err, "record %s file key", result.ID)
		}
		file.Size, _ = f.GetInt64("size")
		file.Checksum, _ = f.GetString("checksum")
		file.Link, err = f.GetString("links", "self")
		if err != nil {
			return nil, errors.Wrapf(err, "record %s file %s has no link", result.ID, file.Key)
		}
		result.Files = append(result.Files, file)
	}
	return &result, nil
}

func (z *Zenodo) doJasonGet(p string) (*jason.Object, error) {
	api := z.APIURL
	if api == "" {
		api = DefaultZenodoAPI
	}
	p = strings.TrimSuffix(api, "/") + p

	ctx, cancel := context.WithTimeout(context.Background(), z.metadataTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", p, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := z.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
		return jason.NewObjectFromReader(resp.Body)
	case 404:
		return nil, errors.Wrap(ErrNotFound, p)
	default:
		return nil, fmt.Errorf("received status %d for %s", resp.StatusCode, p)
	}
}

// do performs an http request using our client.
func (z *Zenodo) do(req *http.Request) (*http.Response, error) {
	if z.client == nil {
		timeout := z.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		z.client = &http.Client{
			Timeout:   timeout,
			Transport: newTransport(),
		}
	}
	return z.client.Do(req)
}

// newTransport uses the bundled Mozilla root certificates if the system
// pool cannot be loaded, e.g. in a minimal container.
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
		return t
	}
	certs, err := gocertifi.CACerts()
	if err != nil {
		log.Println("Loading bundled root certificates:", err)
		return t
	}
	t.TLSClientConfig = &tls.Config{RootCAs: certs}
	return t
}

func (z *Zenodo) resolver() string {
	if z.DOIResolver == "" {
		return DefaultDOIResolver
	}
	return z.DOIResolver
}

func (z *Zenodo) metadataTimeout() time.Duration {
	if z.MetadataTimeout == 0 {
		return DefaultMetadataTimeout
	}
	return z.MetadataTimeout
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
