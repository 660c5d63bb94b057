package main

import (
	"log"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/backpack/config"
	"github.com/ndlib/backpack/repository"
)

// newRepository returns the repository named by kind, which is "zenodo" or
// "s3". An identifier beginning with "s3://" always selects S3.
func newRepository(kind, identifier string, cfg config.Config) (repository.Repository, error) {
	if strings.HasPrefix(identifier, "s3://") {
		kind = "s3"
	}
	switch kind {
	case "", "zenodo":
		return cfg.Zenodo(), nil
	case "s3":
		return newS3(identifier, cfg)
	}
	return nil, errors.Errorf("unknown repository %q", kind)
}

// newS3 makes an S3 repository. The bucket comes from the identifier if it is
// an "s3://" location, otherwise from the configuration.
func newS3(identifier string, cfg config.Config) (*repository.S3, error) {
	bucket, prefix := cfg.S3Location()
	if strings.HasPrefix(identifier, "s3://") {
		// the last path element is the record, what is before it the prefix
		b, p := repository.ParseS3Location(identifier)
		p = strings.TrimSuffix(p, "/")
		bucket = b
		prefix = ""
		if i := strings.LastIndex(p, "/"); i >= 0 {
			prefix = p[:i+1]
		}
	}
	if bucket == "" {
		return nil, errors.New("no S3 bucket given, set S3Bucket in the configuration")
	}

	conf := &aws.Config{}
	if cfg.S3Region != "" {
		conf.Region = aws.String(cfg.S3Region)
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		host := endpoint
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			host = u.Host
		}
		conf.Endpoint = aws.String(endpoint)
		if conf.Region == nil {
			conf.Region = aws.String("us-east-1")
		}
		// disable SSL for local development
		if strings.Contains(host, "localhost") {
			conf.DisableSSL = aws.Bool(true)
			conf.S3ForcePathStyle = aws.Bool(true)
		}
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, err
	}
	log.Printf("Using S3 bucket %s prefix %q", bucket, prefix)
	return repository.NewS3(bucket, prefix, sess), nil
}
