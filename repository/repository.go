// Package repository contains the remote sources a backpack can be
// downloaded from. A Repository turns an identifier, such as a DOI, into a
// record, lists the files in the record, and transfers single files to disk.
//
// None of the implementations retry. That is left to the caller.
package repository

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Exported errors
var (
	ErrNotFound        = errors.New("record not found")
	ErrNotResolved     = errors.New("identifier could not be resolved")
	ErrVersionNotFound = errors.New("requested version not found")
)

// A File is one downloadable file in a record.
type File struct {
	Key      string // file name, as listed by the repository
	Size     int64
	Checksum string // e.g. "md5:5d41402abc4b2a76b9719d911017c592"
	Link     string // where to download the file from
}

// A Record is a single version of a deposited dataset.
type Record struct {
	ID      string
	Version string
	Files   []File
}

// Repository is the interface a backpack Downloader uses.
type Repository interface {
	// Resolve returns the record id an identifier refers to.
	Resolve(identifier string) (string, error)

	// ListFiles returns the record with the given id. If version is not
	// empty, the record in the same series having that version is
	// returned instead.
	ListFiles(recordID, version string) (*Record, error)

	// Download saves the file to destination, replacing anything already
	// there. If progress is not nil, the bytes are also written to it.
	Download(f File, destination string, progress io.Writer) error
}

// saveStream copies r into a newly created file at destination.
func saveStream(r io.Reader, destination string, progress io.Writer) error {
	out, err := os.Create(destination)
	if err != nil {
		return err
	}
	if progress != nil {
		r = io.TeeReader(r, progress)
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
