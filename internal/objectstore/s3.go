package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the production Client implementation, backed by
// aws-sdk-go-v2's S3 client.
type S3Client struct {
	api *s3.Client
}

// NewS3Client wraps an already-constructed *s3.Client. Building that client
// (region resolution, credential chain, endpoint override for S3-compatible
// stores) is the caller's responsibility.
func NewS3Client(api *s3.Client) *S3Client {
	return &S3Client{api: api}
}

// GetObject implements Client.
func (c *S3Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, 0, err
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// HeadObject implements Client.
func (c *S3Client) HeadObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}
	return nil
}

// PutObject implements Client. It grants the bucket owner full control
// since the proxy's own credentials may not be the eventual consumer's.
func (c *S3Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ACL:           types.ObjectCannedACLBucketOwnerFullControl,
	})
	return err
}

// DeleteObject implements Client.
func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}
