package objectstore

import (
	"context"
	"io"
	"log/slog"
)

// Debug wraps any Client and adds structured debug logging around every
// call using this repo's slog-based logging.
type Debug struct {
	client Client
	logger *slog.Logger
}

// NewDebug creates a new debug-logging wrapper around client.
func NewDebug(client Client, logger *slog.Logger) *Debug {
	return &Debug{client: client, logger: logger}
}

// GetObject implements Client.
func (d *Debug) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	d.logger.Debug("objectstore GetObject", "bucket", bucket, "key", key)
	body, size, err := d.client.GetObject(ctx, bucket, key)
	if err != nil {
		d.logger.Debug("objectstore GetObject error", "bucket", bucket, "key", key, "error", err)
		return body, size, err
	}
	d.logger.Debug("objectstore GetObject ok", "bucket", bucket, "key", key, "size", size)
	return body, size, nil
}

// HeadObject implements Client.
func (d *Debug) HeadObject(ctx context.Context, bucket, key string) error {
	d.logger.Debug("objectstore HeadObject", "bucket", bucket, "key", key)
	err := d.client.HeadObject(ctx, bucket, key)
	if err != nil {
		d.logger.Debug("objectstore HeadObject error", "bucket", bucket, "key", key, "error", err)
	}
	return err
}

// PutObject implements Client.
func (d *Debug) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	d.logger.Debug("objectstore PutObject", "bucket", bucket, "key", key, "size", size)
	err := d.client.PutObject(ctx, bucket, key, body, size)
	if err != nil {
		d.logger.Debug("objectstore PutObject error", "bucket", bucket, "key", key, "error", err)
		return err
	}
	d.logger.Debug("objectstore PutObject ok", "bucket", bucket, "key", key)
	return nil
}

// DeleteObject implements Client.
func (d *Debug) DeleteObject(ctx context.Context, bucket, key string) error {
	d.logger.Debug("objectstore DeleteObject", "bucket", bucket, "key", key)
	err := d.client.DeleteObject(ctx, bucket, key)
	if err != nil {
		d.logger.Debug("objectstore DeleteObject error", "bucket", bucket, "key", key, "error", err)
	}
	return err
}
