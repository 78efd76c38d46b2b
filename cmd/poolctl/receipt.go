package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"tickpool/native/pool/receipt"
)

type nodeReceiptView struct {
	Tick    string `json:"tick"`
	Used    string `json:"used"`
	Pending string `json:"pending"`
}

type receiptView struct {
	Version           uint8             `json:"version"`
	Principal         string            `json:"principal"`
	Repayment         string            `json:"repayment"`
	Borrower          string            `json:"borrower"`
	Maturity          uint64            `json:"maturity"`
	Duration          uint64            `json:"duration"`
	CollateralToken   string            `json:"collateral_token"`
	CollateralTokenID string            `json:"collateral_token_id"`
	WrapperContext    string            `json:"wrapper_context,omitempty"`
	Nodes             []nodeReceiptView `json:"nodes"`
}

func newReceiptCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Inspect encoded loan receipts",
	}
	cmd.AddCommand(newReceiptDecodeCmd(), newReceiptHashCmd(opts))
	return cmd
}

func newReceiptDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <0x-receipt>",
		Short: "Decode a loan receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := decodeReceiptArg(args[0])
			if err != nil {
				return err
			}
			view := receiptView{
				Version:           r.Version,
				Principal:         r.Principal.String(),
				Repayment:         r.Repayment.String(),
				Borrower:          r.Borrower.Hex(),
				Maturity:          r.Maturity,
				Duration:          r.Duration,
				CollateralToken:   r.CollateralToken.Hex(),
				CollateralTokenID: r.CollateralTokenID.String(),
				Nodes:             make([]nodeReceiptView, len(r.NodeReceipts)),
			}
			if len(r.CollateralWrapperContext) > 0 {
				view.WrapperContext = hexutil.Encode(r.CollateralWrapperContext)
			}
			for i, nr := range r.NodeReceipts {
				view.Nodes[i] = nodeReceiptView{Tick: nr.Tick.String(), Used: nr.Used.String(), Pending: nr.Pending.String()}
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newReceiptHashCmd(opts *rootOptions) *cobra.Command {
	var (
		chainID uint64
		pool    string
	)
	cmd := &cobra.Command{
		Use:   "hash <0x-receipt>",
		Short: "Compute the ledger hash of a receipt for a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, encoded, err := decodeReceiptArg(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			id := new(big.Int).SetUint64(chainID)
			var address common.Address
			switch {
			case cfg != nil:
				params, err := cfg.PoolParams()
				if err != nil {
					return err
				}
				id, address = params.ChainID, params.Address
			case common.IsHexAddress(pool) && chainID > 0:
				address = common.HexToAddress(pool)
			default:
				return fmt.Errorf("either --config or both --chain-id and --pool are required")
			}
			hash := receipt.Hash(id, address, encoded)
			return printJSON(cmd.OutOrStdout(), map[string]string{"hash": hash.Hex()})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain-id", 0, "Chain id the pool is bound to")
	cmd.Flags().StringVar(&pool, "pool", "", "Pool address")
	return cmd
}

func decodeReceiptArg(value string) (*receipt.LoanReceipt, []byte, error) {
	encoded, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil {
		return nil, nil, fmt.Errorf("receipt must be 0x-prefixed hex: %w", err)
	}
	r, err := receipt.Decode(encoded)
	if err != nil {
		return nil, nil, err
	}
	return r, encoded, nil
}
