package repository

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// Object metadata keys written by Publish. S3 returns metadata keys in
// canonical header form.
const (
	metaChecksum    = "Checksum"
	metaDataVersion = "Data-Version"
)

// S3 is a Repository kept in an S3 bucket. A record is a "folder" of
// objects: every object under "<Prefix><record>/" is a file of the record.
// Objects uploaded by Publish carry their checksum and data version as
// metadata. For other objects the ETag is used as the MD5 checksum when it
// looks like one.
//
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc    s3iface.S3API
	Bucket string
	Prefix string
}

var _ Repository = &S3{}

// NewS3 creates a new S3 repository. It will use the given bucket and will
// prepend prefix to all keys. The authorization method and credentials in
// the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		svc:    s3.New(awsSession),
		Bucket: bucket,
		Prefix: prefix,
	}
}

// ParseS3Location splits "s3://bucket/some/prefix" (or just
// "bucket/some/prefix") into the bucket name and a prefix which is either
// empty or ends with a slash.
//
// examples:
//
//	"" -> ("", "")
//	"s3://bucket" -> ("bucket", "")
//	"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func ParseS3Location(location string) (bucket, prefix string) {
	location = strings.TrimPrefix(location, "s3://")
	location = strings.TrimPrefix(location, "/")
	if location == "" {
		return
	}
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// Resolve checks the record exists. The identifier is either a record name,
// or a full "s3://bucket/prefix/record" location in this repository's bucket.
func (s *S3) Resolve(identifier string) (string, error) {
	record := strings.Trim(identifier, "/")
	if strings.HasPrefix(identifier, "s3://") {
		bucket, key := ParseS3Location(identifier)
		if bucket != s.Bucket {
			return "", errors.Wrapf(ErrNotResolved, "%s is not in bucket %s", identifier, s.Bucket)
		}
		record = strings.TrimPrefix(strings.Trim(key, "/"), strings.Trim(s.Prefix, "/"))
		record = strings.Trim(record, "/")
	}
	if record == "" {
		return "", errors.Wrap(ErrNotResolved, identifier)
	}
	out, err := s.svc.ListObjectsV2(&s3.ListObjectsV2Input{
		Bucket:  aws.String(s.Bucket),
		Prefix:  aws.String(s.recordPrefix(record)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return "", err
	}
	if len(out.Contents) == 0 {
		return "", errors.Wrapf(ErrNotFound, "s3://%s/%s", s.Bucket, s.recordPrefix(record))
	}
	return record, nil
}

// ListFiles lists the objects of a record. Every object must carry the same
// data version, which becomes the record's version. If version is not empty
// it must equal the record's version.
func (s *S3) ListFiles(recordID, version string) (*Record, error) {
	prefix := s.recordPrefix(recordID)
	var keys []string
	err := s.svc.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastpage bool) bool {
		for _, item := range page.Contents {
			if !strings.HasSuffix(*item.Key, "/") {
				keys = append(keys, *item.Key)
			}
		}
		return !lastpage
	})
	if err != nil {
		log.Println("S3 ListFiles:", prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": prefix})
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "s3://%s/%s", s.Bucket, prefix)
	}
	sort.Strings(keys)

	result := &Record{ID: recordID}
	for i, key := range keys {
		head, err := s.svc.HeadObject(&s3.HeadObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		dataVersion := metadata(head.Metadata, metaDataVersion)
		if i == 0 {
			result.Version = dataVersion
		} else if dataVersion != result.Version {
			log.Printf("S3 object %s has data version %q, record has %q", key, dataVersion, result.Version)
		}
		result.Files = append(result.Files, File{
			Key:      path.Base(key),
			Size:     aws.Int64Value(head.ContentLength),
			Checksum: objectChecksum(head),
			Link:     key,
		})
	}
	if version != "" && strings.TrimSpace(version) != strings.TrimSpace(result.Version) {
		return nil, errors.Wrapf(ErrVersionNotFound, "record %s has version %q, wanted %q", recordID, result.Version, version)
	}
	return result, nil
}

// Download copies the object named by f.Link to destination.
func (s *S3) Download(f File, destination string, progress io.Writer) error {
	out, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(f.Link),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()
	return saveStream(out.Body, destination, progress)
}

// Publish uploads the archive at archivePath to the record, storing its MD5
// checksum and the data version as object metadata. The object is named
// after the archive file.
func (s *S3) Publish(archivePath, record, dataVersion string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := h.Sum(nil)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	key := s.recordPrefix(strings.Trim(record, "/")) + path.Base(archivePath)
	log.Printf("Uploading %s to s3://%s/%s", archivePath, s.Bucket, key)
	_, err = s.svc.PutObject(&s3.PutObjectInput{
		Bucket:     aws.String(s.Bucket),
		Key:        aws.String(key),
		Body:       f,
		ContentMD5: aws.String(base64.StdEncoding.EncodeToString(sum)),
		Metadata: map[string]*string{
			metaChecksum:    aws.String("md5:" + hex.EncodeToString(sum)),
			metaDataVersion: aws.String(dataVersion),
		},
	})
	if err != nil {
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": key})
		return "", err
	}
	return key, nil
}

func (s *S3) recordPrefix(record string) string {
	return s.Prefix + record + "/"
}

// objectChecksum prefers the checksum we stored, then a plain MD5 ETag.
// Multipart ETags contain a dash and are not a checksum of the content.
func objectChecksum(head *s3.HeadObjectOutput) string {
	if c := metadata(head.Metadata, metaChecksum); c != "" {
		return c
	}
	etag := strings.Trim(aws.StringValue(head.ETag), `"`)
	if len(etag) == 32 && !strings.Contains(etag, "-") {
		return "md5:" + strings.ToLower(etag)
	}
	return ""
}

func metadata(m map[string]*string, key string) string {
	key = http.CanonicalHeaderKey(key)
	for k, v := range m {
		if http.CanonicalHeaderKey(k) == key {
			return aws.StringValue(v)
		}
	}
	return ""
}
