package backpack

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ndlib/backpack/manifest"
)

func TestVerifyIdempotent(t *testing.T) {
	base := makeBackpack(t, "1.0")
	bp, err := Open(base)
	if err != nil {
		t.Fatal(err)
	}
	var v Verifier
	for i := 0; i < 2; i++ {
		if err := v.Verify(bp, strptr("1.0")); err != nil {
			t.Errorf("pass %d: %s", i, err)
		}
	}
	// no expected version is allowed
	if err := v.Verify(bp, nil); err != nil {
		t.Error(err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	base := makeBackpack(t, "1.0")
	bp, err := Open(base)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(bp.PayloadDirectory(), "sub", "b.txt")
	if err := ioutil.WriteFile(p, []byte("hello agaim"), 0644); err != nil {
		t.Fatal(err)
	}
	err = Verifier{}.Verify(bp, nil)
	if !IsMalformed(err) {
		t.Fatalf("Received %v, expected a malformed backpack", err)
	}
	if !strings.Contains(err.Error(), "payload/sub/b.txt") {
		t.Errorf("Error %q does not name the file", err)
	}
}

func TestVerifyTamperedManifest(t *testing.T) {
	base := makeBackpack(t, "1.0")
	bp, err := Open(base)
	if err != nil {
		t.Fatal(err)
	}
	bp.Manifest.Digests["payload/a.txt"] = "00000000000000000000000000000000"
	if err := manifest.Save(base, bp.Manifest); err != nil {
		t.Fatal(err)
	}
	err = VerifyDirectory(base, nil)
	if !IsMalformed(err) {
		t.Fatalf("Received %v, expected a malformed backpack", err)
	}
	if !strings.Contains(err.Error(), "payload/a.txt") {
		t.Errorf("Error %q does not name the file", err)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	base := makeBackpack(t, "1.0")
	if err := os.Remove(filepath.Join(base, "payload", "empty")); err != nil {
		t.Fatal(err)
	}
	err := VerifyDirectory(base, nil)
	if !IsMalformed(err) || !IsNotFound(err) {
		t.Errorf("Received %v, expected a missing file", err)
	}
}

func TestVerifyDataVersion(t *testing.T) {
	base := makeBackpack(t, "1.0")
	var table = []struct {
		expected *string
		ok       bool
	}{
		{nil, true},
		{strptr("1.0"), true},
		{strptr("  1.0\n"), true},
		{strptr("1.1"), false},
		{strptr(""), false},
	}
	for _, tab := range table {
		err := VerifyDirectory(base, tab.expected)
		if tab.ok && err != nil {
			t.Errorf("%v: received %s", tab.expected, err)
		}
		if !tab.ok {
			if !IsMalformed(err) {
				t.Errorf("%q: received %v, expected a malformed backpack", *tab.expected, err)
			} else if !strings.Contains(err.Error(), "1.0") {
				t.Errorf("Error %q does not name the found version", err)
			}
		}
	}
}

func TestVerifyFormatVersion(t *testing.T) {
	base := makeBackpack(t, "1.0")
	bp, err := Open(base)
	if err != nil {
		t.Fatal(err)
	}
	// break a file as well, the format is checked first
	os.Remove(filepath.Join(bp.PayloadDirectory(), "a.txt"))

	err = Verifier{FormatVersion: 2}.Verify(bp, strptr("1.0"))
	if !IsVersion(err) {
		t.Fatalf("Received %v, expected a VersionError", err)
	}
	verr := err.(*VersionError)
	if verr.Found != 1 || verr.Expected != 2 {
		t.Errorf("Received %+v", verr)
	}
	if IsMalformed(err) {
		t.Errorf("A VersionError should not be a malformed backpack")
	}
}

func TestOpenMissingManifest(t *testing.T) {
	dir := tempDir(t)
	_, err := Open(dir)
	if !IsMalformed(err) || !IsNotFound(err) {
		t.Errorf("Received %v, expected a missing manifest", err)
	}

	ioutil.WriteFile(filepath.Join(dir, manifest.FileName), []byte("{not json"), 0644)
	_, err = Open(dir)
	if !IsMalformed(err) {
		t.Errorf("Received %v, expected a malformed manifest", err)
	}
}

func TestVerifyUnknownAlgorithm(t *testing.T) {
	base := makeBackpack(t, "1.0")
	bp, err := Open(base)
	if err != nil {
		t.Fatal(err)
	}
	bp.Manifest.Digests["payload/a.txt"] = "crc7:00"
	err = Verifier{}.Verify(bp, nil)
	if !IsMalformed(err) {
		t.Errorf("Received %v, expected a malformed backpack", err)
	}
}

func TestVerifyMovedBackpack(t *testing.T) {
	base := makeBackpack(t, "1.0")
	moved := filepath.Join(tempDir(t), "elsewhere")
	if err := os.Rename(base, moved); err != nil {
		t.Fatal(err)
	}
	if err := VerifyDirectory(moved, strptr("1.0")); err != nil {
		t.Error(err)
	}
}
