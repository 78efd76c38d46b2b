package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tickpool/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "poolctl",
		Short:         "Inspect tick pool ticks, receipts and node state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the pool TOML configuration")

	root.AddCommand(newTickCmd(opts))
	root.AddCommand(newReceiptCmd(opts))
	root.AddCommand(newNodesCmd(opts))
	return root
}

// loadConfig reads the pool configuration when --config is set. Unlike the
// daemon it never writes a default file.
func (o *rootOptions) loadConfig(required bool) (*config.Config, error) {
	if o.configPath == "" {
		if required {
			return nil, fmt.Errorf("--config is required")
		}
		return nil, nil
	}
	if _, err := os.Stat(o.configPath); err != nil {
		return nil, err
	}
	return config.Load(o.configPath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
