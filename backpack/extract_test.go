package backpack

import (
	"archive/tar"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  string
	linkname string
}

// writeTestArchive writes a gzipped tar file containing entries.
func writeTestArchive(t *testing.T, entries []tarEntry) string {
	t.Helper()
	name := filepath.Join(tempDir(t), "test.tar.gz")
	f, err := os.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0644,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Size > 0 {
			tw.Write([]byte(e.content))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestExtract(t *testing.T) {
	archive := writeTestArchive(t, []tarEntry{
		{name: "top/", typeflag: tar.TypeDir},
		{name: "top/a.txt", typeflag: tar.TypeReg, content: "a"},
		{name: "./other/b.txt", typeflag: tar.TypeReg, content: "b"},
		{name: "top/link", typeflag: tar.TypeSymlink, linkname: "a.txt"},
		{name: "top/fifo", typeflag: tar.TypeFifo},
	})
	target := tempDir(t)
	tops, err := Extract(archive, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(tops) != 2 || tops[0] != "top" || tops[1] != "other" {
		t.Errorf("Received tops %v", tops)
	}
	if got := readFile(t, filepath.Join(target, "other", "b.txt")); got != "b" {
		t.Errorf("Received %q", got)
	}
	if got := readFile(t, filepath.Join(target, "top", "link")); got != "a" {
		t.Errorf("Received %q through link", got)
	}
	if _, err := os.Lstat(filepath.Join(target, "top", "fifo")); !os.IsNotExist(err) {
		t.Errorf("fifo was extracted")
	}
}

func TestExtractEscapes(t *testing.T) {
	var table = []struct {
		desc  string
		entry tarEntry
	}{
		{"parent", tarEntry{name: "../evil", typeflag: tar.TypeReg, content: "x"}},
		{"nested parent", tarEntry{name: "top/../../evil", typeflag: tar.TypeReg, content: "x"}},
		{"absolute", tarEntry{name: "/tmp/evil", typeflag: tar.TypeReg, content: "x"}},
		{"symlink out", tarEntry{name: "top/link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"}},
		{"absolute symlink", tarEntry{name: "top/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{"hard link out", tarEntry{name: "top/link", typeflag: tar.TypeLink, linkname: "../evil"}},
	}
	for _, tab := range table {
		archive := writeTestArchive(t, []tarEntry{tab.entry})
		parent := tempDir(t)
		target := filepath.Join(parent, "target")
		os.Mkdir(target, 0755)
		_, err := Extract(archive, target)
		if !IsMalformed(err) {
			t.Errorf("%s: received %v, expected a malformed archive", tab.desc, err)
		}
		if _, err := os.Lstat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
			t.Errorf("%s: file written outside of target", tab.desc)
		}
	}
}

func TestExtractSymlinkChain(t *testing.T) {
	// each link is inside of target when read as text, but a/a/a/b is
	// really target/b, three levels above target
	archive := writeTestArchive(t, []tarEntry{
		{name: "a", typeflag: tar.TypeSymlink, linkname: "."},
		{name: "a/a/a/b", typeflag: tar.TypeSymlink, linkname: "../../.."},
		{name: "a/a/a/b/escaped.txt", typeflag: tar.TypeReg, content: "x"},
	})
	parent := tempDir(t)
	target := filepath.Join(parent, "t1", "t2", "target")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	_, err := Extract(archive, target)
	if !IsMalformed(err) {
		t.Errorf("Received %v, expected a malformed archive", err)
	}
	for _, dir := range []string{parent, filepath.Join(parent, "t1"), filepath.Join(parent, "t1", "t2")} {
		if _, err := os.Lstat(filepath.Join(dir, "escaped.txt")); !os.IsNotExist(err) {
			t.Errorf("file written outside of target in %s", dir)
		}
	}
	if _, err := os.Lstat(filepath.Join(target, "b")); !os.IsNotExist(err) {
		t.Errorf("link pointing outside of target was created")
	}
}

func TestExtractThroughLinks(t *testing.T) {
	var table = []struct {
		desc    string
		entries []tarEntry
	}{
		{"climbing link", []tarEntry{
			{name: "a", typeflag: tar.TypeSymlink, linkname: "."},
			{name: "evil", typeflag: tar.TypeSymlink, linkname: "a/../secret.txt"},
		}},
		{"hard link through a link", []tarEntry{
			{name: "top/evil", typeflag: tar.TypeLink, linkname: "out/secret.txt"},
		}},
		{"hard link through an extracted link", []tarEntry{
			{name: "up", typeflag: tar.TypeSymlink, linkname: "out"},
			{name: "top/evil", typeflag: tar.TypeLink, linkname: "up/secret.txt"},
		}},
		{"file through a link", []tarEntry{
			{name: "out/evil", typeflag: tar.TypeReg, content: "x"},
		}},
		{"directory through a link", []tarEntry{
			{name: "out/evil/", typeflag: tar.TypeDir},
		}},
		{"link through a link", []tarEntry{
			{name: "out/evil", typeflag: tar.TypeSymlink, linkname: "secret.txt"},
		}},
	}
	for _, tab := range table {
		archive := writeTestArchive(t, tab.entries)
		parent := tempDir(t)
		target := filepath.Join(parent, "target")
		os.Mkdir(target, 0755)
		ioutil.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0644)
		// a link left in target from before, pointing at its parent
		if err := os.Symlink(parent, filepath.Join(target, "out")); err != nil {
			t.Fatal(err)
		}
		_, err := Extract(archive, target)
		if !IsMalformed(err) {
			t.Errorf("%s: received %v, expected a malformed archive", tab.desc, err)
		}
		if _, err := os.Lstat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
			t.Errorf("%s: file written outside of target", tab.desc)
		}
		for _, name := range []string{"evil", "top/evil"} {
			if _, err := os.Lstat(filepath.Join(target, name)); !os.IsNotExist(err) {
				t.Errorf("%s: %s was extracted", tab.desc, name)
			}
		}
	}
}

func TestExtractInsideLinks(t *testing.T) {
	archive := writeTestArchive(t, []tarEntry{
		{name: "top/sub/", typeflag: tar.TypeDir},
		{name: "top/here", typeflag: tar.TypeSymlink, linkname: "sub"},
		{name: "top/here/a.txt", typeflag: tar.TypeReg, content: "a"},
		{name: "top/hard", typeflag: tar.TypeLink, linkname: "top/here/a.txt"},
	})
	target := tempDir(t)
	if _, err := Extract(archive, target); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(target, "top", "sub", "a.txt")); got != "a" {
		t.Errorf("Received %q", got)
	}
	if got := readFile(t, filepath.Join(target, "top", "hard")); got != "a" {
		t.Errorf("Received %q through hard link", got)
	}
}

func TestExtractNotGzip(t *testing.T) {
	name := filepath.Join(tempDir(t), "bad.tar.gz")
	ioutil.WriteFile(name, []byte("this is not a gzip file"), 0644)
	_, err := Extract(name, tempDir(t))
	if !IsMalformed(err) {
		t.Errorf("Received %v, expected a malformed archive", err)
	}
}

func TestIsArchive(t *testing.T) {
	var table = []struct {
		name string
		ok   bool
	}{
		{"data.tar.gz", true},
		{"data.tgz", true},
		{"data.tar", false},
		{"data.zip", false},
		{"CONTENTS.json", false},
	}
	for _, tab := range table {
		if got := isArchive(tab.name); got != tab.ok {
			t.Errorf("isArchive(%q) = %v, expected %v", tab.name, got, tab.ok)
		}
	}
}
