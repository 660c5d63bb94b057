package backpack

import (
	"archive/tar"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ndlib/backpack/manifest"
	"github.com/ndlib/backpack/util"
)

// A Creator packages a directory into a backpack archive.
// The zero value is ready to use.
type Creator struct {
	// FormatVersion is written into the manifest. Zero means
	// CurrentFormatVersion.
	FormatVersion int

	// Algorithm names the digest used for payload files. Empty means
	// util.DefaultAlgorithm.
	Algorithm string

	// Symlinks is the policy for symbolic links in the input directory.
	Symlinks SymlinkPolicy
}

// entry is a file or directory to put in the archive.
type entry struct {
	rel  string // slash separated path relative to the input directory
	abs  string
	info os.FileInfo
}

// Create makes a backpack archive of inputDirectory at outputPath, appending
// ".tar.gz" to outputPath if needed. The path actually written is returned.
//
// If outputPath exists, it is replaced when overwrite is true, and otherwise
// ErrAlreadyExists is returned and the file is left alone. The output is not
// written atomically. To get that, create to a temporary name and rename.
func (c *Creator) Create(inputDirectory, outputPath, dataVersion string, overwrite bool) (string, error) {
	if !strings.HasSuffix(outputPath, ArchiveSuffix) {
		outputPath += ArchiveSuffix
	}
	if fi, err := os.Stat(outputPath); err == nil && fi.IsDir() {
		return "", errors.Wrap(ErrIsADirectory, outputPath)
	}
	if fi, err := os.Stat(inputDirectory); err != nil || !fi.IsDir() {
		return "", errors.Wrap(ErrNotADirectory, inputDirectory)
	}
	if _, err := os.Lstat(outputPath); err == nil {
		if !overwrite {
			return "", errors.Wrap(ErrAlreadyExists, outputPath)
		}
		log.Println("Removing existing archive", outputPath)
		if err := os.Remove(outputPath); err != nil {
			return "", err
		}
	}

	algorithm := c.Algorithm
	if algorithm == "" {
		algorithm = util.DefaultAlgorithm
	}
	if _, err := util.NewHash(algorithm); err != nil {
		return "", err
	}

	log.Println("Reading files in", inputDirectory)
	entries, err := c.scan(inputDirectory, outputPath)
	if err != nil {
		return "", err
	}

	log.Println("Creating archive at", outputPath)
	m := manifest.New(formatVersion(c.FormatVersion), dataVersion)
	root := filepath.Base(filepath.Clean(inputDirectory))
	if abs, err := filepath.Abs(inputDirectory); err == nil {
		root = filepath.Base(abs)
	}
	root += RootSuffix

	f, err := os.Create(outputPath)
	if err != nil {
		return "", err
	}
	sum, err := writeArchive(f, root, entries, m, algorithm)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outputPath)
		return "", err
	}
	log.Printf("Backpack %s created: %d payload files, %d bytes, md5 %s",
		outputPath, len(m.Digests), sum.Size(), sum.Sum("md5"))
	return outputPath, nil
}

// scan lists the directories and regular files under dir, applying the
// symlink policy. The file at skip is left out, in case the output is being
// written inside the input directory. Entries are in lexical order.
func (c *Creator) scan(dir string, skip string) ([]entry, error) {
	var result []entry
	skipAbs, _ := filepath.Abs(skip)
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == skipAbs {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			switch c.Symlinks {
			case SymlinksError:
				return errors.Wrap(ErrSymlink, p)
			case SymlinksSkip:
				log.Println("Skipping symbolic link", p)
				return nil
			}
			target, err := os.Stat(p)
			if err != nil {
				return errors.Wrapf(err, "following %s", p)
			}
			if !target.Mode().IsRegular() {
				log.Println("Skipping symbolic link to non-file", p)
				return nil
			}
			info = target
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			log.Println("Skipping special file", p)
			return nil
		}
		result = append(result, entry{
			rel:  filepath.ToSlash(rel),
			abs:  p,
			info: info,
		})
		return nil
	})
	return result, err
}

// writeArchive writes the gzipped tar stream to w. Payload files are
// checksummed as they are copied into the archive, and the manifest is
// written last. The returned HashWriter has the size and MD5 of the
// compressed archive.
func writeArchive(w io.Writer, root string, entries []entry, m *manifest.Manifest, algorithm string) (*util.HashWriter, error) {
	sum, err := util.NewHashWriter(w, "md5")
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(sum)
	tw := tar.NewWriter(gz)
	now := time.Now()

	payload := path.Join(root, m.PayloadDirectory)
	for _, dir := range []string{root, payload} {
		err = tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0755,
			ModTime:  now,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, e := range entries {
		hdr, err := tar.FileInfoHeader(e.info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = path.Join(payload, e.rel)
		if e.info.IsDir() {
			hdr.Name += "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		checksum, err := copyFile(tw, e.abs, algorithm)
		if err != nil {
			return nil, errors.Wrapf(err, "archiving %s", e.abs)
		}
		m.Add(e.rel, util.JoinChecksum(algorithm, checksum))
	}

	buf, err := manifest.Serialize(m)
	if err != nil {
		return nil, err
	}
	err = tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Join(root, manifest.FileName),
		Mode:     0644,
		Size:     int64(len(buf)),
		ModTime:  now,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tw.Write(buf); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return sum, nil
}

// copyFile copies the file at name into w and returns its digest.
func copyFile(w io.Writer, name string, algorithm string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hw, err := util.NewHashWriter(w, algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hw, f); err != nil {
		return "", err
	}
	return hw.Sum(algorithm), nil
}
