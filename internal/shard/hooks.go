package shard

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// SealedEvent is published when a shard is sealed.
type SealedEvent struct {
	Shard    string `json:"shard"`
	Lines    int    `json:"lines"`
	Checksum string `json:"sha256"`
	URI      string `json:"uri,omitempty"`
}

// ArchiveHook uploads each sealed shard and its checksum sidecar under prefix.
func ArchiveHook(store crawler.BlobStore, prefix string) SealHook {
	return func(ctx context.Context, info Info) error {
		_, err := upload(ctx, store, prefix, info)
		return err
	}
}

func upload(ctx context.Context, store crawler.BlobStore, prefix string, info Info) (string, error) {
	f, err := os.Open(info.Path) //nolint:gosec // path comes from the writer.
	if err != nil {
		return "", fmt.Errorf("open sealed shard: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	name := info.Name + jsonlExt
	uri, err := store.PutObject(ctx, path.Join(prefix, name), "application/x-ndjson", f)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	sidecar, err := os.Open(info.Path + checksumExt) //nolint:gosec // path comes from the writer.
	if err != nil {
		return uri, fmt.Errorf("open checksum: %w", err)
	}
	defer func() {
		_ = sidecar.Close()
	}()
	if _, err := store.PutObject(ctx, path.Join(prefix, name+checksumExt), "text/plain", sidecar); err != nil {
		return uri, fmt.Errorf("archive %s checksum: %w", name, err)
	}
	return uri, nil
}

// PublishHook announces each sealed shard on topic.
func PublishHook(pub crawler.Publisher, topic string) SealHook {
	return func(ctx context.Context, info Info) error {
		_, err := pub.Publish(ctx, topic, SealedEvent{
			Shard:    info.Name + jsonlExt,
			Lines:    info.Lines,
			Checksum: info.Checksum,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", info.Name, err)
		}
		return nil
	}
}

// ArchiveAndPublishHook uploads the shard and then announces it with the
// archive URI.
func ArchiveAndPublishHook(store crawler.BlobStore, prefix string, pub crawler.Publisher, topic string) SealHook {
	return func(ctx context.Context, info Info) error {
		uri, err := upload(ctx, store, prefix, info)
		if err != nil {
			return err
		}
		_, err = pub.Publish(ctx, topic, SealedEvent{
			Shard:    info.Name + jsonlExt,
			Lines:    info.Lines,
			Checksum: info.Checksum,
			URI:      uri,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", info.Name, err)
		}
		return nil
	}
}
