package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// S3SecureStore implements a SecureStore on Amazon S3 or a compatible
// service. It backs the encrypted cloud-backup path for key material: every
// value written here must already be sealed, the store itself adds no
// encryption.
type S3SecureStore struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3SecureStore creates an S3-backed secure store. If accessKey and
// secretKey are empty the default credential chain is used.
func NewS3SecureStore(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3SecureStore, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3SecureStore{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region),
	}, nil
}

func (s *S3SecureStore) objectKey(name string) string {
	return path.Join(s.prefix, name)
}

// Get reads an entry, returning ErrShareUnavailable when the object is
// absent.
func (s *S3SecureStore) Get(ctx context.Context, name string) ([]byte, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(name)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrShareUnavailable
		}
		s.log.Error("Failed to read from S3", slog.String("name", name), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return data, nil
}

// Set writes an entry.
func (s *S3SecureStore) Set(ctx context.Context, name string, value []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(name)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		s.log.Error("Failed to write to S3", slog.String("name", name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Clear deletes an entry. A missing object is not an error.
func (s *S3SecureStore) Clear(ctx context.Context, name string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(name)),
	})
	if err != nil {
		s.log.Error("Failed to delete from S3", slog.String("name", name), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// LocationURI returns the store's identifying URI.
func (s *S3SecureStore) LocationURI() string {
	return s.locationURI
}
