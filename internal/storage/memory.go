package storage

import (
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

var (
	memBuckets   = map[string]*blob.Bucket{}
	memBucketsMu sync.Mutex
)

// NewMemoryStore returns an in-process repository. Repositories with the same
// name share content for the lifetime of the process.
func NewMemoryStore(repo string) *BlobStore {
	memBucketsMu.Lock()
	defer memBucketsMu.Unlock()

	bucket, ok := memBuckets[repo]
	if !ok {
		bucket = memblob.OpenBucket(nil)
		memBuckets[repo] = bucket
	}
	s := newBlobStore(bucket, repo, "mem://"+repo)
	s.shared = true
	return s
}

// NewIsolatedMemoryStore returns a private in-memory repository.
func NewIsolatedMemoryStore(repo string) *BlobStore {
	return newBlobStore(memblob.OpenBucket(nil), repo, "mem://"+repo)
}
