// Package config reads the backpack tool configuration from a TOML file.
//
// A configuration file looks like
//
//	ZenodoAPI = "https://zenodo.org/api"
//	Timeout = "10m"
//	Retries = 3
//	Algorithm = "md5"
//	Symlinks = "skip"
//	CleanupOnFailure = true
//	SentryDSN = ""
//	S3Bucket = "s3://my-bucket/backpacks"
//	S3Region = "us-east-1"
//	MirrorPort = "14001"
//
// Every field is optional.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/backpack/backpack"
	"github.com/ndlib/backpack/repository"
	"github.com/ndlib/backpack/util"
)

// Config holds the settings shared by the subcommands.
type Config struct {
	ZenodoAPI   string
	DOIResolver string

	// Timeout is a duration string, such as "90s" or "10m", bounding a
	// single file transfer.
	Timeout string

	Retries          int
	Algorithm        string
	Symlinks         string
	CleanupOnFailure bool

	// SentryDSN enables error reporting when not empty.
	SentryDSN string

	// S3Bucket is either a bucket name or "s3://bucket/prefix". A prefix
	// given in S3Prefix is used instead of one in S3Bucket.
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string

	MirrorPort string
}

// Default returns the configuration used when there is no file.
func Default() Config {
	return Config{
		ZenodoAPI:   repository.DefaultZenodoAPI,
		DOIResolver: repository.DefaultDOIResolver,
		Timeout:     repository.DefaultTimeout.String(),
		Retries:     backpack.DefaultRetries,
		Algorithm:   util.DefaultAlgorithm,
		Symlinks:    backpack.SymlinksSkip.String(),
		MirrorPort:  "14001",
	}
}

// Load reads the file at filename. Fields not in the file keep their default
// values. An empty filename gives the defaults.
func Load(filename string) (Config, error) {
	c := Default()
	if filename == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(filename, &c)
	if err != nil {
		return c, errors.Wrapf(err, "reading %s", filename)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, errors.Errorf("%s: unknown settings %v", filename, undecoded)
	}
	return c, c.Validate()
}

// Validate checks the fields which have a restricted set of values.
func (c Config) Validate() error {
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := backpack.ParseSymlinkPolicy(c.Symlinks); err != nil {
		return err
	}
	if c.Algorithm != "" {
		if _, err := util.NewHash(c.Algorithm); err != nil {
			return err
		}
	}
	if c.Retries < 0 {
		return errors.Errorf("Retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// TimeoutDuration parses Timeout. An empty Timeout gives the repository
// default.
func (c Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return repository.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, errors.Wrap(err, "Timeout")
	}
	return d, nil
}

// SymlinkPolicy parses Symlinks. Call Validate first.
func (c Config) SymlinkPolicy() backpack.SymlinkPolicy {
	p, _ := backpack.ParseSymlinkPolicy(c.Symlinks)
	return p
}

// S3Location returns the bucket and key prefix to use.
func (c Config) S3Location() (bucket, prefix string) {
	bucket, prefix = repository.ParseS3Location(c.S3Bucket)
	if c.S3Prefix != "" {
		_, prefix = repository.ParseS3Location("x/" + c.S3Prefix)
	}
	return bucket, prefix
}

// Zenodo returns a Zenodo repository using these settings.
func (c Config) Zenodo() *repository.Zenodo {
	z := repository.NewZenodo()
	if c.ZenodoAPI != "" {
		z.APIURL = c.ZenodoAPI
	}
	if c.DOIResolver != "" {
		z.DOIResolver = c.DOIResolver
	}
	if d, err := c.TimeoutDuration(); err == nil {
		z.Timeout = d
	}
	return z
}
