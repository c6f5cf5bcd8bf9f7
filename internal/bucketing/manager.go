package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/config"
)

// BucketingManager maps contact identifiers onto a fixed number of storage
// buckets so code rows spread evenly across partitions.
type BucketingManager struct {
	contactBuckets int
	hasherPool     sync.Pool
	config         *config.Config
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		contactBuckets: cfg.Bucketing.ContactBuckets,
		config:         cfg,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetContactBucket returns a consistent bucket for a contact (0 to contactBuckets-1)
func (bm *BucketingManager) GetContactBucket(contact string) int {
	return bm.getBucket(contact, bm.contactBuckets)
}

// GetContactBuckets returns the configured bucket count
func (bm *BucketingManager) GetContactBuckets() int {
	return bm.contactBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hash := bm.getHash(key)
	return int(hash % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
