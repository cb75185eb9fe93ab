// Package checkpoint contains the durable checkpoint store backends. Each
// backend implements crawler.CheckpointStore; the export claim is a single
// insert-if-absent so concurrent exporters of one fingerprint see exactly one
// winner.
package checkpoint

import "errors"

// ErrNotFound is returned by Lookup when a fingerprint was never exported.
var ErrNotFound = errors.New("checkpoint record not found")
