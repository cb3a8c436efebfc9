package iceberg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures S3Storage. Endpoint is set for S3-compatible stores
// such as MinIO and switches the client to path-style addressing.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Storage implements Storage on an S3 bucket. Paths are s3://bucket/key
// URIs.
type S3Storage struct {
	client *s3.Client
}

// NewS3Storage builds an S3 client from the default AWS config chain,
// overriding region, static credentials and endpoint when set.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}
	return &S3Storage{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// NewS3StorageFromClient wraps an existing client.
func NewS3StorageFromClient(client *s3.Client) *S3Storage {
	return &S3Storage{client: client}
}

// splitS3 parses s3://bucket/key (or s3a://) into bucket and key.
func splitS3(path string) (string, string, error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		rest, ok = strings.CutPrefix(path, "s3a://")
	}
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", path)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri without bucket: %s", path)
	}
	return bucket, key, nil
}

func (s *S3Storage) put(ctx context.Context, path string, data []byte, ifAbsent bool) error {
	bucket, key, err := splitS3(path)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return fmt.Errorf("put %s: %w", path, ErrObjectExists)
		}
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *S3Storage) Write(ctx context.Context, path string, data []byte) error {
	return s.put(ctx, path, data, false)
}

// WriteIfAbsent uses a conditional PUT (If-None-Match: *).
func (s *S3Storage) WriteIfAbsent(ctx context.Context, path string, data []byte) error {
	return s.put(ctx, path, data, true)
}

func (s *S3Storage) Read(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := splitS3(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || httpStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("get %s: %w", path, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitS3(path)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) || httpStatus(err) == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", path, err)
}

func (s *S3Storage) Delete(ctx context.Context, path string) error {
	bucket, key, err := splitS3(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := splitS3(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, "s3://"+bucket+"/"+aws.ToString(obj.Key))
		}
	}
	return out, nil
}

// ListDirs returns the common prefixes one "/" below prefix.
func (s *S3Storage) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := splitS3(prefix)
	if err != nil {
		return nil, err
	}
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	var out []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(key),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list dirs %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), key), "/")
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// isPreconditionFailed matches a lost conditional PUT. S3 answers 412; some
// compatible stores answer 409 when a concurrent conditional write is in
// flight.
func isPreconditionFailed(err error) bool {
	switch httpStatus(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}
