package backpack

import (
	"archive/tar"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// isArchive reports whether the file name looks like a gzipped tar file.
func isArchive(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}

// Extract unpacks the gzipped tar file at archivePath into target. It returns
// the names of the top-level entries it created, in archive order.
//
// Any entry which would land outside of target is rejected with a
// MalformedError, as are absolute names and links pointing outside of target.
// Paths are checked after following the symbolic links already on disk, so a
// chain of links cannot be used to write outside of target.
// Entries other than files, directories, and links are skipped.
func Extract(archivePath, target string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, malformed(err, "reading %s", archivePath)
	}
	defer gz.Close()

	target, err = filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(target, 0755); err != nil {
		return nil, err
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return nil, err
	}

	var tops []string
	seen := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return tops, malformed(err, "reading %s", archivePath)
		}
		dest, err := safeJoin(target, hdr.Name)
		if err != nil {
			return tops, err
		}
		if dest == target {
			continue
		}
		top := strings.SplitN(path.Clean(strings.TrimPrefix(hdr.Name, "./")), "/", 2)[0]
		if !seen[top] {
			seen[top] = true
			tops = append(tops, top)
		}
		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeReg, tar.TypeRegA, tar.TypeSymlink, tar.TypeLink:
		default:
			log.Printf("Skipping %s, unsupported entry type %c", hdr.Name, hdr.Typeflag)
			continue
		}

		// everything below creates dest, so its directory must really be
		// inside of target
		parent, err := resolve(filepath.Dir(dest))
		if err != nil {
			return tops, malformed(err, "resolving %s", hdr.Name)
		}
		if !within(realTarget, parent) {
			return tops, malformed(nil, "archive entry %s resolves outside of %s", hdr.Name, target)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(dest, 0755)
		case tar.TypeReg, tar.TypeRegA:
			err = writeFile(dest, tr, hdr.FileInfo().Mode().Perm())
		case tar.TypeSymlink:
			if err = checkLink(realTarget, parent, hdr.Linkname); err != nil {
				return tops, malformed(err, "symbolic link %s points outside of %s", hdr.Name, target)
			}
			if err = os.MkdirAll(filepath.Dir(dest), 0755); err == nil {
				err = os.Symlink(hdr.Linkname, dest)
			}
		case tar.TypeLink:
			var src, realSrc string
			src, err = safeJoin(target, hdr.Linkname)
			if err != nil {
				return tops, err
			}
			realSrc, err = filepath.EvalSymlinks(src)
			if err != nil {
				return tops, malformed(err, "hard link %s", hdr.Name)
			}
			if !within(realTarget, realSrc) {
				return tops, malformed(nil, "hard link %s points outside of %s", hdr.Name, target)
			}
			if err = os.MkdirAll(filepath.Dir(dest), 0755); err == nil {
				err = os.Link(src, dest)
			}
		}
		if err != nil {
			return tops, errors.Wrapf(err, "extracting %s", hdr.Name)
		}
	}
	return tops, nil
}

// safeJoin joins name to root, and returns a MalformedError if the result
// would not be inside of root.
func safeJoin(root, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", malformed(nil, "archive entry %q has an absolute path", name)
	}
	dest := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, dest) {
		return "", malformed(nil, "archive entry %q is outside of the target directory", name)
	}
	return dest, nil
}

// within reports whether p is root or is inside root. Both must be clean.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolve follows the symbolic links in the longest existing prefix of p and
// appends the remaining elements. p must be absolute and clean.
func resolve(p string) (string, error) {
	var rest []string
	for {
		if _, err := os.Lstat(p); err == nil {
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		up := filepath.Dir(p)
		if up == p {
			return p, nil
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = up
	}
}

// checkLink returns an error unless a symbolic link in the directory dir
// with contents linkname resolves to somewhere inside of root. dir must
// already be resolved.
func checkLink(root, dir, linkname string) error {
	// "x/.." is resolved by the kernel through x, not lexically
	named := false
	for _, elem := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch elem {
		case "", ".":
		case "..":
			if named {
				return errors.Errorf("%q climbs out of a named directory", linkname)
			}
		default:
			named = true
		}
	}
	dest := linkname
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(dir, dest)
	}
	resolved, err := resolve(filepath.Clean(dest))
	if err != nil {
		return err
	}
	if !within(root, resolved) {
		return errors.Errorf("%q resolves to %s", linkname, resolved)
	}
	return nil
}

func writeFile(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	// an existing symlink at dest could redirect the write
	if fi, err := os.Lstat(dest); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode|0200)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
