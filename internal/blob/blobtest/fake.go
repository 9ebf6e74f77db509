// Package blobtest provides an in-memory S3 fake for tests.
package blobtest

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/vk/rnaflow/internal/blob"
)

// S3 implements the subset of s3iface.S3API and the uploader that
// blob.Bucket uses. Calling any other method panics.
type S3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	// FailPuts makes the next n PutObject calls return a transient error.
	FailPuts int
}

// New returns an empty fake.
func New() *S3 {
	return &S3{objects: make(map[string][]byte)}
}

// Bucket returns a blob.Bucket backed by the fake.
func (f *S3) Bucket(bucket, prefix string) *blob.Bucket {
	return blob.New(f, f, blob.Location{Bucket: bucket, Prefix: prefix})
}

// Object returns the stored bytes of bucket/key.
func (f *S3) Object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	return data, ok
}

func (f *S3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPuts > 0 {
		f.FailPuts--
		return nil, awserr.New("InternalError", "injected failure", nil)
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *S3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (f *S3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	bucketPrefix := aws.StringValue(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		if key := strings.TrimPrefix(k, bucketPrefix); strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
	}
	fn(out, true)
	return nil
}

func (f *S3) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(aws.BackgroundContext(), in, opts...)
}

func (f *S3) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	_, err := f.PutObjectWithContext(ctx, &s3.PutObjectInput{Bucket: in.Bucket, Key: in.Key, Body: aws.ReadSeekCloser(in.Body)})
	if err != nil {
		return nil, err
	}
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}
