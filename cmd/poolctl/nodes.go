package main

import (
	"github.com/spf13/cobra"

	poolstate "tickpool/state/pool"
	"tickpool/storage"
)

type nodeView struct {
	Tick               string `json:"tick"`
	Deposited          string `json:"deposited"`
	Used               string `json:"used"`
	Available          string `json:"available"`
	Shares             string `json:"shares"`
	PendingRedemptions uint64 `json:"pending_redemptions"`
}

func newNodesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the liquidity nodes stored in a pool data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := poolstate.NewStore(db, cfg.Storage.NodeCacheSize)
			if err != nil {
				return err
			}
			nodes, err := store.Nodes()
			if err != nil {
				return err
			}
			views := make([]nodeView, len(nodes))
			for i, node := range nodes {
				views[i] = nodeView{
					Tick:               node.Tick.String(),
					Deposited:          node.Deposited.String(),
					Used:               node.Used.String(),
					Available:          node.Available().String(),
					Shares:             node.Shares.String(),
					PendingRedemptions: node.QueueTail - node.QueueHead,
				}
			}
			fees, err := store.GetFees()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"nodes":      views,
				"admin_fees": fees.Admin.String(),
			})
		},
	}
}
