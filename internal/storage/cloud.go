package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// NewS3Store opens repository repo below prefix in an S3-compatible bucket
// (AWS S3, Backblaze B2, Cloudflare R2, MinIO).
func NewS3Store(bucketName, prefix, repo, endpoint, region string) (*BlobStore, error) {
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	u := url.URL{Scheme: "s3", Host: bucketName, RawQuery: params.Encode()}
	return openRepository(u.String(), "s3://"+bucketName, prefix, repo)
}

// NewGCSStore opens repository repo below prefix in a GCS bucket.
func NewGCSStore(bucketName, prefix, repo string) (*BlobStore, error) {
	return openRepository("gs://"+bucketName, "gs://"+bucketName, prefix, repo)
}

// openRepository scopes the bucket at bucketURL to "<prefix><repo>/".
func openRepository(bucketURL, display, prefix, repo string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s for %s: %w", display, repo, err)
	}
	keyPrefix := prefix + repo + "/"
	return newBlobStore(blob.PrefixedBucket(bucket, keyPrefix), repo, display+"/"+keyPrefix), nil
}
