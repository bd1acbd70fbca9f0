package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// Bucket abstracts the one GCS operation the archiver needs, so uploads can be
// tested without a real client.
type Bucket interface {
	NewWriter(ctx context.Context, objectName string) io.WriteCloser
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

// NewGCSBucket adapts a storage client and bucket name to Bucket.
func NewGCSBucket(client *storage.Client, bucketName string) Bucket {
	if client == nil {
		return nil
	}
	return &gcsBucket{handle: client.Bucket(bucketName)}
}

// NewWriter returns the object's *storage.Writer; the upload is finalised on Close.
func (b *gcsBucket) NewWriter(ctx context.Context, objectName string) io.WriteCloser {
	w := b.handle.Object(objectName).NewWriter(ctx)
	w.ContentType = "application/gzip"
	return w
}
