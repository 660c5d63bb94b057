package backpack

import (
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"path/filepath"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/backpack/manifest"
	"github.com/ndlib/backpack/repository"
	"github.com/ndlib/backpack/util"
)

// DefaultRetries is the number of download attempts made for each file when
// a non-positive count is given.
const DefaultRetries = 3

// A Downloader fetches a backpack from a remote repository, extracts it, and
// verifies it. Repo must be set; the other fields are optional.
type Downloader struct {
	Repo repository.Repository

	// FormatVersion is the manifest format version to accept. Zero means
	// CurrentFormatVersion.
	FormatVersion int

	// Version selects a particular data version from a record with more
	// than one version. Empty means the record the identifier resolves to.
	Version string

	// CleanupOnFailure removes everything the download created in the
	// target directory if the download fails. Otherwise partial files are
	// left in place.
	CleanupOnFailure bool

	// NewProgress, if set, is called before each transfer attempt. The
	// returned writer receives a copy of the bytes as they are downloaded
	// and is closed when the attempt ends.
	NewProgress func(f repository.File) io.WriteCloser
}

// DownloadAndExtract downloads every file of the record identified by
// identifier into targetDirectory, making up to retries attempts per file.
// Each file is checked against the checksum in the remote listing, archives
// are extracted (and then removed), and the resulting backpack is verified.
// When checkVersion is true the data version in the manifest must match the
// version of the remote record.
//
// Network problems give a ConnectionError. Content problems give a
// MalformedError or VersionError. On any error no Backpack is returned.
func (d *Downloader) DownloadAndExtract(targetDirectory, identifier string, checkVersion bool, retries int) (bp *Backpack, err error) {
	if retries < 1 {
		retries = DefaultRetries
	}
	if d.CleanupOnFailure {
		undo, serr := snapshot(targetDirectory)
		if serr != nil {
			return nil, serr
		}
		defer func() {
			if err != nil {
				undo()
			}
		}()
	}
	if err := os.MkdirAll(targetDirectory, 0755); err != nil {
		return nil, err
	}

	recordID, err := d.Repo.Resolve(identifier)
	if err != nil {
		return nil, connection(err, "could not resolve %s", identifier)
	}
	record, err := d.Repo.ListFiles(recordID, d.Version)
	if err != nil {
		return nil, connection(err, "could not retrieve record %s", recordID)
	}
	if len(record.Files) == 0 {
		return nil, malformed(nil, "record %s has no files", recordID)
	}

	var downloaded []string
	for _, f := range record.Files {
		name := path.Base(f.Key)
		if name == "." || name == ".." || name == "/" || name == manifest.FileName {
			return nil, malformed(nil, "invalid remote file name %q", f.Key)
		}
		dest := filepath.Join(targetDirectory, name)
		if err := d.fetch(f, dest, retries); err != nil {
			return nil, err
		}
		if err := checkDownload(f, dest); err != nil {
			return nil, err
		}
		downloaded = append(downloaded, name)
	}
	log.Println("All files have been downloaded")

	var tops []string
	for _, name := range downloaded {
		if !isArchive(name) {
			continue
		}
		archive := filepath.Join(targetDirectory, name)
		log.Println("Extracting", archive)
		t, err := Extract(archive, targetDirectory)
		if err != nil {
			return nil, err
		}
		tops = append(tops, t...)
		if err := os.Remove(archive); err != nil {
			return nil, err
		}
	}

	base, err := locate(targetDirectory, tops)
	if err != nil {
		return nil, err
	}
	bp, err = Open(base)
	if err != nil {
		return nil, err
	}

	var expected *string
	if checkVersion {
		expected = &record.Version
	}
	v := Verifier{FormatVersion: d.FormatVersion}
	if err := v.Verify(bp, expected); err != nil {
		return nil, err
	}
	return bp, nil
}

// fetch downloads one file, trying up to retries times. Each attempt starts
// the transfer over.
func (d *Downloader) fetch(f repository.File, dest string, retries int) error {
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		log.Printf("Downloading %s to %s (attempt %d of %d)", f.Key, dest, attempt, retries)
		var progress io.WriteCloser
		if d.NewProgress != nil {
			progress = d.NewProgress(f)
		}
		if progress != nil {
			err = d.Repo.Download(f, dest, progress)
			progress.Close()
		} else {
			err = d.Repo.Download(f, dest, nil)
		}
		if err == nil {
			return nil
		}
		log.Printf("Error during download of %s: %s", f.Key, err)
	}
	raven.CaptureError(err, map[string]string{"File": f.Key, "Link": f.Link})
	return connection(err, "too many unsuccessful retries downloading %s, download is aborted", f.Key)
}

// checkDownload compares a downloaded file against the checksum from the
// remote listing.
func checkDownload(f repository.File, dest string) error {
	if f.Checksum == "" {
		log.Printf("Warning: no checksum listed for %s, not verifying it", f.Key)
		return nil
	}
	ok, got, err := util.VerifyFileChecksum(dest, f.Checksum)
	if err != nil {
		return malformed(err, "could not checksum downloaded file %s", f.Key)
	}
	if !ok {
		return malformed(nil, "checksum is incorrect for downloaded file %s: got %s, expected %s. Please download again",
			f.Key, got, f.Checksum)
	}
	log.Println("Correct checksum for downloaded file", f.Key)
	return nil
}

// locate finds the backpack folder after extraction. Archives made by older
// tools put the manifest directly in the target directory. Otherwise exactly
// one of the extracted top-level folders must hold a manifest.
func locate(target string, tops []string) (string, error) {
	if _, err := os.Stat(filepath.Join(target, manifest.FileName)); err == nil {
		return target, nil
	}
	var found []string
	for _, top := range tops {
		dir := filepath.Join(target, top)
		if _, err := os.Stat(filepath.Join(dir, manifest.FileName)); err == nil {
			found = append(found, dir)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", malformed(ErrFileNotFound, "no extracted folder in %s contains %s", target, manifest.FileName)
	}
	return "", malformed(nil, "more than one backpack extracted into %s: %v", target, found)
}

// snapshot records what is in dir, and returns a function that removes
// anything added to dir since. If dir does not exist, the function removes
// dir itself.
func snapshot(dir string) (func(), error) {
	infos, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return func() {
			log.Println("Removing", dir)
			os.RemoveAll(dir)
		}, nil
	} else if err != nil {
		return nil, err
	}
	existing := make(map[string]bool)
	for _, fi := range infos {
		existing[fi.Name()] = true
	}
	return func() {
		infos, _ := ioutil.ReadDir(dir)
		for _, fi := range infos {
			if existing[fi.Name()] {
				continue
			}
			p := filepath.Join(dir, fi.Name())
			log.Println("Removing", p)
			os.RemoveAll(p)
		}
	}, nil
}
