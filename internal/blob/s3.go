package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datapipe/api/internal/config"
)

// S3Store implements Store on any S3-compatible endpoint (AWS, R2, MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates the client. Endpoint falls back to the R2 convention
// when only an account id is configured.
func NewS3Store(cfg *config.BlobConfig) (*S3Store, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("blob storage configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if endpoint != "" {
			return aws.Endpoint{URL: endpoint}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.BucketName,
	}, nil
}

func (s *S3Store) StartUpload(ctx context.Context, key, contentType string) (Upload, error) {
	return &s3Upload{
		store:       s,
		key:         key,
		contentType: contentType,
		hasher:      sha256.New(),
	}, nil
}

// s3Upload buffers chunks and hashes as they arrive; the object is written
// in one PutObject on Finish so a crashed upload leaves nothing behind.
type s3Upload struct {
	store       *S3Store
	key         string
	contentType string
	buf         bytes.Buffer
	hasher      hash.Hash
	done        bool
}

func (u *s3Upload) WriteChunk(ctx context.Context, p []byte) error {
	if u.done {
		return fmt.Errorf("upload already finished")
	}
	u.hasher.Write(p)
	_, err := u.buf.Write(p)
	return err
}

func (u *s3Upload) Finish(ctx context.Context) (string, string, int64, error) {
	if u.done {
		return "", "", 0, fmt.Errorf("upload already finished")
	}
	u.done = true
	size := int64(u.buf.Len())
	_, err := u.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.store.bucket),
		Key:         aws.String(u.key),
		Body:        bytes.NewReader(u.buf.Bytes()),
		ContentType: aws.String(u.contentType),
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to upload object: %w", err)
	}
	uri := "s3://" + u.store.bucket + "/" + u.key
	return uri, hex.EncodeToString(u.hasher.Sum(nil)), size, nil
}

func (u *s3Upload) Abort(ctx context.Context) error {
	u.done = true
	u.buf.Reset()
	return nil
}

func (s *S3Store) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, uri string) error {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *S3Store) Healthy(ctx context.Context) bool {
	return s.client != nil && s.bucket != ""
}

func (s *S3Store) keyFromURI(uri string) (string, error) {
	prefix := "s3://" + s.bucket + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("uri %q not in bucket %q", uri, s.bucket)
	}
	return strings.TrimPrefix(uri, prefix), nil
}
