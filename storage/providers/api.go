package providers

// StoreProviderIPFS content-addressed network store provider
const StoreProviderIPFS = "ipfs"

// StoreProviderBucket keyed blob bucket store provider
const StoreProviderBucket = "bucket"

// IPFSReferenceScheme prefixes content identifiers exchanged as artifact references
const IPFSReferenceScheme = "ipfs://"

// Store provides uniform read/write of named byte blobs. The content-addressed
// implementation derives the reference from the bytes (write-once, deduplicated);
// the bucket implementation uses the caller-chosen key (sessionId/filename) as the
// reference. Callers decide per-artifact which to use and, when both are needed,
// write to both explicitly.
type Store interface {
	Put(key string, value []byte) (*string, error)
	Get(reference string) ([]byte, error)
}
