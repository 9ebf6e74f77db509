// Package blob is a small S3 client used for remote job stores and archive
// uploads. URIs have the form s3://bucket/prefix?region=...&endpoint=...
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/cenkalti/backoff/v4"
	"github.com/vk/rnaflow/internal/ctxlog"
)

const (
	regionOption   = "region"
	endpointOption = "endpoint"
	defaultRegion  = "us-east-1"
	// the sdk retries each request itself; this bounds our own retry loop.
	maxElapsed = 30 * time.Second
)

// Options configures an S3 session. Empty credentials fall back to the SDK's
// default chain (environment, shared config, instance role).
type Options struct {
	Region          string
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Location is a parsed s3:// URI.
type Location struct {
	Bucket string
	Prefix string
	Query  url.Values
}

// ParseURI splits an s3:// URI into bucket and key prefix.
func ParseURI(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("parsing %q: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("%q is not an s3:// URI", uri)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%q has no bucket", uri)
	}
	return Location{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/"), Query: u.Query()}, nil
}

// OptionsFromEnv reads the standard AWS environment variables and lets the
// URI query override region and endpoint.
func OptionsFromEnv(loc Location) Options {
	opts := Options{
		Region:          os.Getenv("AWS_REGION"),
		Endpoint:        os.Getenv("AWS_ENDPOINT_URL"),
		AccessKey:       os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
	if v := loc.Query.Get(regionOption); v != "" {
		opts.Region = v
	}
	if v := loc.Query.Get(endpointOption); v != "" {
		opts.Endpoint = v
		opts.ForcePathStyle = true
	}
	return opts
}

func (o Options) awsConfig() *aws.Config {
	region := o.Region
	if region == "" {
		region = defaultRegion
	}
	cfg := aws.NewConfig().
		WithMaxRetries(3).
		WithS3ForcePathStyle(o.ForcePathStyle).
		WithRegion(region)
	if o.Endpoint != "" {
		cfg.WithEndpoint(o.Endpoint)
	}
	if o.AccessKey != "" && o.SecretAccessKey != "" {
		cfg.WithCredentials(credentials.NewStaticCredentials(o.AccessKey, o.SecretAccessKey, ""))
	}
	return cfg
}

// Bucket reads and writes objects under one key prefix.
type Bucket struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	loc      Location
}

// Open creates a session for the URI and returns its bucket.
func Open(uri string) (*Bucket, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	sess, err := session.NewSession(OptionsFromEnv(loc).awsConfig())
	if err != nil {
		return nil, fmt.Errorf("creating s3 session: %w", err)
	}
	client := s3.New(sess)
	return New(client, s3manager.NewUploaderWithClient(client), loc), nil
}

// New wraps existing clients, which lets tests substitute fakes.
func New(client s3iface.S3API, uploader s3manageriface.UploaderAPI, loc Location) *Bucket {
	return &Bucket{client: client, uploader: uploader, loc: loc}
}

// Location returns the bucket and prefix this Bucket writes under.
func (b *Bucket) Location() Location {
	return b.loc
}

func (b *Bucket) objectKey(key string) string {
	if b.loc.Prefix == "" {
		return key
	}
	return path.Join(b.loc.Prefix, key)
}

func (b *Bucket) relKey(objectKey string) string {
	if b.loc.Prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, b.loc.Prefix+"/")
}

func (b *Bucket) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	logger := ctxlog.FromContext(ctx)
	return backoff.RetryNotify(fn, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		logger.Warn("S3 request failed, retrying.", "op", op, "bucket", b.loc.Bucket, "error", err, "backoff", d)
	})
}

// Put writes data under key. The object is visible once Put returns.
func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	return b.retry(ctx, "put", func() error {
		_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.loc.Bucket),
			Key:    aws.String(b.objectKey(key)),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// Get reads the object under key. A missing object is reported as found=false.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := true
	err := b.retry(ctx, "get", func() error {
		out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.loc.Bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			if isNotFound(err) {
				found = false
				return nil
			}
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// List returns the keys under prefix, relative to the bucket prefix, in
// lexical order.
func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.retry(ctx, "list", func() error {
		keys = keys[:0]
		return b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.loc.Bucket),
			Prefix: aws.String(b.objectKey(prefix)),
		}, func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, obj := range page.Contents {
				keys = append(keys, b.relKey(aws.StringValue(obj.Key)))
			}
			return true
		})
	})
	return keys, err
}

// Upload streams r to key using multipart uploads for large bodies.
func (b *Bucket) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	objectKey := b.objectKey(key)
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.loc.Bucket),
		Key:    aws.String(objectKey),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("uploading s3://%s/%s: %w", b.loc.Bucket, objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", b.loc.Bucket, objectKey), nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
