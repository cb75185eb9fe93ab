package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/corpus-crawler/internal/shard"
)

// newVerifyCmd recomputes the checksum of every sealed shard and fails if
// any of them does not match its sidecar.
func newVerifyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verifies sealed shard checksums",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Shard.Dir
			}
			results, err := shard.Verify(dir, cfg.Shard.Prefix)
			if err != nil {
				return fmt.Errorf("verify shards: %w", err)
			}
			out := cmd.OutOrStdout()
			corrupt := 0
			for _, res := range results {
				if res.OK {
					fmt.Fprintf(out, "ok       %s\n", res.Name)
					continue
				}
				corrupt++
				detail := res.Err
				if detail == "" {
					detail = fmt.Sprintf("expected %s, got %s", res.Expected, res.Actual)
				}
				fmt.Fprintf(out, "CORRUPT  %s  %s\n", res.Name, detail)
			}
			fmt.Fprintf(out, "%d shards, %d corrupt\n", len(results), corrupt)
			if corrupt > 0 {
				return fmt.Errorf("%d corrupt shards", corrupt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "shard directory (default shard.dir)")
	return cmd
}
