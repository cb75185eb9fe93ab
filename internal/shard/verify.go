package shard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
	"github.com/JakeFAU/corpus-crawler/internal/hash/sha256"
)

// VerifyResult is the checksum state of one sealed shard.
type VerifyResult struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	OK       bool   `json:"ok"`
	Err      string `json:"error,omitempty"`
}

// Verify recomputes the checksum of every sealed shard in dir and compares it
// with its sidecar.
func Verify(dir, prefix string) ([]VerifyResult, error) {
	if prefix == "" {
		prefix = "shard"
	}
	shards, err := listShards(dir, prefix)
	if err != nil {
		return nil, err
	}
	var out []VerifyResult
	for _, s := range shards {
		if s.partial {
			continue
		}
		res := VerifyResult{Name: s.name + jsonlExt}
		expected, err := readChecksum(dir, s.name)
		if err != nil {
			res.Err = err.Error()
			out = append(out, res)
			continue
		}
		res.Expected = expected
		actual, err := sha256.SumFile(sealedPath(dir, s.name))
		if err != nil {
			res.Err = err.Error()
			out = append(out, res)
			continue
		}
		res.Actual = actual
		res.OK = actual == expected
		out = append(out, res)
	}
	return out, nil
}

// Scan calls fn for every complete record in every shard in dir, sealed or
// partial, in sequence order. Torn or undecodable lines are skipped. A
// missing dir is not an error.
func Scan(dir, prefix string, fn func(crawler.OutputRecord) error) error {
	if prefix == "" {
		prefix = "shard"
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	shards, err := listShards(dir, prefix)
	if err != nil {
		return err
	}
	for _, s := range shards {
		path := sealedPath(dir, s.name)
		if s.partial {
			path = partialPath(dir, s.name)
		}
		if err := scanFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(path string, fn func(crawler.OutputRecord) error) error {
	f, err := os.Open(path) //nolint:gosec // shard dir is operator controlled.
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec crawler.OutputRecord
			if err := json.Unmarshal(line[:len(line)-1], &rec); err == nil && rec.ID != "" {
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read shard: %w", rerr)
		}
	}
}
