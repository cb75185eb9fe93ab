package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the status of a running pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/v1/status", nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			if cfg.Auth.Enabled {
				req.Header.Set("X-API-Key", cfg.Auth.APIKey)
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read status: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of the status server (default http://localhost:<server.port>)")
	return cmd
}
