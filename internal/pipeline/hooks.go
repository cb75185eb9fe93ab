package pipeline

import (
	"context"
	"time"

	"github.com/JakeFAU/corpus-crawler/internal/progress"
	"github.com/JakeFAU/corpus-crawler/internal/shard"
)

// ProgressHook emits a SHARD_SEALED event for every sealed shard.
func ProgressHook(emitter progress.Emitter, runID [16]byte) shard.SealHook {
	return func(_ context.Context, info shard.Info) error {
		if emitter == nil {
			return nil
		}
		emitter.Emit(progress.Event{
			RunID: runID,
			TS:    time.Now().UTC(),
			Stage: progress.StageShardSealed,
			Shard: info.Name,
			Note:  info.Checksum,
		})
		return nil
	}
}
