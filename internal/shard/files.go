package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	jsonlExt    = ".jsonl"
	partialExt  = ".partial"
	checksumExt = ".sha256"
)

type shardFile struct {
	seq     int
	name    string // base name without extension, e.g. shard-000001
	partial bool
}

func shardName(prefix string, seq int) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

func sealedPath(dir, name string) string {
	return filepath.Join(dir, name+jsonlExt)
}

func partialPath(dir, name string) string {
	return filepath.Join(dir, name+jsonlExt+partialExt)
}

func checksumPath(dir, name string) string {
	return filepath.Join(dir, name+jsonlExt+checksumExt)
}

// listShards returns every shard in dir ordered by sequence. Partial files
// sort after a sealed file of the same sequence.
func listShards(dir, prefix string) ([]shardFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read shard dir: %w", err)
	}
	pattern := regexp.MustCompile(`^(` + regexp.QuoteMeta(prefix) + `-(\d{6,}))\.jsonl(\.partial)?$`)
	var out []shardFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, shardFile{seq: seq, name: m[1], partial: m[3] != ""})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].seq != out[j].seq {
			return out[i].seq < out[j].seq
		}
		return !out[i].partial && out[j].partial
	})
	return out, nil
}

// writeChecksum writes "<hex>  <file>\n" next to the sealed shard via a
// temporary file and rename.
func writeChecksum(dir, name, sum string) error {
	target := checksumPath(dir, name)
	tmp := target + ".tmp"
	content := sum + "  " + name + jsonlExt + "\n"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // shard dir is operator controlled.
	if err != nil {
		return fmt.Errorf("create checksum: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync checksum: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checksum: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename checksum: %w", err)
	}
	return nil
}

// readChecksum parses a sidecar written by writeChecksum.
func readChecksum(dir, name string) (string, error) {
	raw, err := os.ReadFile(checksumPath(dir, name)) //nolint:gosec // shard dir is operator controlled.
	if err != nil {
		return "", fmt.Errorf("read checksum: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum file for %s is empty", name)
	}
	return fields[0], nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // shard dir is operator controlled.
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer func() {
		_ = d.Close()
	}()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
