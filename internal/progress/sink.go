package progress

import "context"

// Sink receives batches of events from a Hub. Consume is called from the
// Hub's single batching goroutine and must honor ctx; Close is called once
// after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what pipeline stages see of the Hub. A nil Emitter is valid
// wherever stages accept one.
type Emitter interface {
	Emit(evt Event)
}
