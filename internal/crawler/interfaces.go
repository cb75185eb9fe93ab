package crawler

import (
	"context"
	"io"
	"time"
)

// CheckpointStore is the durable record of exported fingerprints and crawl
// progress. RecordExport must be atomic: when two callers race on the same
// fingerprint exactly one observes Recorded.
type CheckpointStore interface {
	HasExported(ctx context.Context, fingerprint string) (bool, error)
	RecordExport(ctx context.Context, rec CheckpointRecord) (RecordResult, error)
	Lookup(ctx context.Context, fingerprint string) (CheckpointRecord, error)
	LoadProgress(ctx context.Context, source string) (Progress, error)
	SaveProgress(ctx context.Context, source, marker string) error
	IsCompleted(ctx context.Context, source, url string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Classifier decides whether text belongs to a configured topic.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Deduplicator rejects candidates too similar to anything already accepted.
// The check and the registration happen as one atomic step.
type Deduplicator interface {
	CheckAndRegister(ctx context.Context, candidate Candidate) (Verdict, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprints and checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
