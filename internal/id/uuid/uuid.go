// Package uuid mints run identifiers. Run IDs are UUID v7 so the shards and
// checkpoints of successive runs sort by start time.
package uuid

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// RunID is the binary form carried on progress events and checkpoints.
type RunID [16]byte

// String renders the canonical hyphenated form.
func (r RunID) String() string {
	return uuid.UUID(r).String()
}

// Generator mints RunIDs from an entropy source.
type Generator struct {
	entropy io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewFromReader returns a Generator that draws its random bits from r.
func NewFromReader(r io.Reader) *Generator {
	return &Generator{entropy: r}
}

// NewRunID returns a fresh time-ordered run ID.
func (g *Generator) NewRunID() (RunID, error) {
	id, err := uuid.NewV7FromReader(g.entropy)
	if err != nil {
		return RunID{}, fmt.Errorf("mint run id: %w", err)
	}
	return RunID(id), nil
}
