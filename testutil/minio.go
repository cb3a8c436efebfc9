package testutil

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	minitc "github.com/testcontainers/testcontainers-go/modules/minio"
)

// MinIO root credentials the container is started with.
const (
	MinIOUser     = "minioadmin"
	MinIOPassword = "minioadmin"
)

// MinIOContainer holds a running MinIO container, its endpoint and a client.
type MinIOContainer struct {
	Container *minitc.MinioContainer
	Endpoint  string
	Client    *s3.Client
}

// StartMinIO starts a MinIO container suitable for integration tests.
// The container is automatically terminated when the test ends.
func StartMinIO(t *testing.T) *MinIOContainer {
	t.Helper()
	ctx := context.Background()

	mc, err := minitc.Run(ctx, "minio/minio:latest",
		minitc.WithUsername(MinIOUser),
		minitc.WithPassword(MinIOPassword),
	)
	testcontainers.CleanupContainer(t, mc)
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	addr, err := mc.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get minio endpoint: %v", err)
	}
	endpoint := "http://" + addr

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(MinIOUser, MinIOPassword, ""),
		),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	})

	return &MinIOContainer{Container: mc, Endpoint: endpoint, Client: client}
}

// CreateBucket creates bucket, failing the test on error.
func (m *MinIOContainer) CreateBucket(t *testing.T, bucket string) {
	t.Helper()
	_, err := m.Client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
}

// ListKeys returns every object key under prefix.
func (m *MinIOContainer) ListKeys(t *testing.T, bucket, prefix string) []string {
	t.Helper()
	var keys []string
	p := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(context.Background())
		if err != nil {
			t.Fatalf("list objects: %v", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys
}
