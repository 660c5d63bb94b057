package backpack

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

// testPayload is the content of the input directory used by most tests.
var testPayload = map[string]string{
	"a.txt":             "hello",
	"sub/b.txt":         "hello again",
	"sub/deeper/c.bin":  "\x00\x01\x02\x03",
	"empty":             "",
	"with space/d.json": `{"x": 1}`,
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "backpack")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// makeInput writes files into a new directory named name.
func makeInput(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(tempDir(t), name)
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// makeArchive creates a backpack archive of testPayload with the given data
// version and returns its path.
func makeArchive(t *testing.T, dataVersion string) string {
	t.Helper()
	input := makeInput(t, "mydata", testPayload)
	out := filepath.Join(tempDir(t), "mydata")
	var c Creator
	result, err := c.Create(input, out, dataVersion, false)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

// makeBackpack creates and extracts a backpack, returning the extracted
// folder.
func makeBackpack(t *testing.T, dataVersion string) string {
	t.Helper()
	archive := makeArchive(t, dataVersion)
	target := tempDir(t)
	tops, err := Extract(archive, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(tops) != 1 || tops[0] != "mydata"+RootSuffix {
		t.Fatalf("Extracted %v, expected one top folder", tops)
	}
	return filepath.Join(target, tops[0])
}

func readFile(t *testing.T, name string) string {
	t.Helper()
	buf, err := ioutil.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func strptr(s string) *string { return &s }
