// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements wrapping functions to satisfy export.Uploader and
// export.Pruner interfaces. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
)

const (
	// Format string for the object key below the prefix. We split the key
	// into halves and use the lower half of bits as s3 prefix and upper
	// half for the object key. This is to prevent s3 rate limiting which is
	// applied to objects with the same prefix.
	keyFmt = "%08x/%08x"
)

// Implementation of export.Uploader using AWS S3 as a backend. Parameters of
// http connection are tuned for the AWS environment.
type S3 struct {
	uploader *s3manager.Uploader
	client   *s3.S3
	bucket   string
	prefix   string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// All objects are stored under this prefix. Empty prefix stores them
	// in the bucket root.
	Prefix string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(s.prefix, key)),
		Body:   bytes.NewReader(buf),
	})

	return errors.Wrapf(err, "uploading object %d", key)
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(s.prefix, key)),
	})

	return errors.Wrapf(err, "deleting object %d", key)
}

// Delete all objects under the prefix except those with keys in keep. Objects
// not following the key format are left alone.
func (s *S3) Prune(keep map[int64]struct{}) error {
	var errs error

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix(s.prefix)),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			key, ok := decode(s.prefix, *o.Key)
			if !ok {
				continue
			}
			if _, ok := keep[key]; !ok {
				errs = multierr.Append(errs, s.Delete(key))
			}
		}
		return true
	})

	return multierr.Append(errors.Wrap(err, "listing objects"), errs)
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket
	s.prefix = o.Prefix

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	config := &aws.Config{
		Region:                        aws.String(o.Region),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	}
	if o.Remote != "" {
		config.Endpoint = aws.String(o.Remote)
	}
	if o.AccessKey != "" {
		config.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, "")
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 session")
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)

	// Image chunks are a few MB at most, multipart concurrency does not
	// pay off. Parallelism comes from the export proxy workers.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)

	err = s.makeBucketExist()

	return s, err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return errors.Wrapf(err, "bucket %s", s.bucket)
}

func keyPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}

	return strings.TrimSuffix(prefix, "/") + "/"
}

// Returns object name for key. The lower half of the key goes first.
func encode(prefix string, key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return keyPrefix(prefix) + fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode(). Returns false for names not produced by encode().
func decode(prefix, name string) (int64, bool) {
	p := keyPrefix(prefix)
	if !strings.HasPrefix(name, p) {
		return 0, false
	}
	name = name[len(p):]

	var low, high int64
	if n, err := fmt.Sscanf(name, keyFmt, &low, &high); n != 2 || err != nil {
		return 0, false
	}
	if encode("", (high<<32)|low) != name {
		return 0, false
	}

	return (high << 32) | low, true
}
