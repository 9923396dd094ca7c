package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// BlobStore is the S3-backed BlobStore. Every object is written with
// SSE-S3 (AES256) server-side encryption and namespaced under a
// configured key prefix.
type BlobStore struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	prefix     string
}

func NewBlobStore(client *s3.Client, bucketName, prefix string) *BlobStore {
	return &BlobStore{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucketName: bucketName,
		prefix:     prefix,
	}
}

func (s *BlobStore) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// EnsureBucket creates the bucket (with SSE and versioning enabled) if it
// does not already exist. Called only when auto-create is enabled.
func (s *BlobStore) EnsureBucket(ctx context.Context, region string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	if err == nil {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucketName)}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("cloud: create bucket %s: %w", s.bucketName, err)
	}

	_, err = s.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(s.bucketName),
		ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
			Rules: []types.ServerSideEncryptionRule{
				{ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
					SSEAlgorithm: types.ServerSideEncryptionAes256,
				}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cloud: configure bucket encryption: %w", err)
	}

	_, err = s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(s.bucketName),
		VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
	})
	if err != nil {
		return fmt.Errorf("cloud: enable bucket versioning: %w", err)
	}
	return nil
}

func (s *BlobStore) Upload(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	fullKey := s.key(key)
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucketName),
		Key:                  aws.String(fullKey),
		Body:                 bytes.NewReader(content),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("cloud: upload %s: %w", fullKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucketName, fullKey), nil
}

func (s *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: download %s: %w", s.key(key), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *BlobStore) Delete(ctx context.Context, key string) (bool, error) {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return false, fmt.Errorf("cloud: delete %s: %w", s.key(key), err)
	}
	return true, nil
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
		return false, nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("cloud: head %s: %w", s.key(key), err)
}

func (s *BlobStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("cloud: presign %s: %w", s.key(key), err)
	}
	return req.URL, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	var out []string
	var continuation *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucketName),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}
			out = append(out, k)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuation = page.NextContinuationToken
	}
	return out, nil
}

var _ repository.BlobStore = (*BlobStore)(nil)
