package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	"tickpool/native/pool/interest"
	"tickpool/native/pool/tick"
)

type tickView struct {
	Tick          string `json:"tick"`
	Hex           string `json:"hex"`
	Limit         string `json:"limit"`
	Kind          string `json:"kind"`
	DurationIndex uint8  `json:"duration_index"`
	RateIndex     uint8  `json:"rate_index"`
	Duration      uint64 `json:"duration_seconds,omitempty"`
	APR           string `json:"apr,omitempty"`
}

func newTickCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Encode and decode packed ticks",
	}
	cmd.AddCommand(newTickEncodeCmd(opts), newTickDecodeCmd(opts))
	return cmd
}

func newTickEncodeCmd(opts *rootOptions) *cobra.Command {
	var (
		limit         string
		durationIndex uint8
		rateIndex     uint8
		kind          string
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Pack a limit, duration index, rate index and limit kind into a tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok := new(big.Int).SetString(strings.TrimSpace(limit), 10)
			if !ok {
				return fmt.Errorf("--limit must be a base-10 integer")
			}
			limitKind, err := parseKind(kind)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			var t tick.Tick
			if cfg != nil {
				params, err := cfg.PoolParams()
				if err != nil {
					return err
				}
				codec, err := tick.NewCodec(len(params.Durations), len(params.Rates))
				if err != nil {
					return err
				}
				t, err = codec.Encode(value, durationIndex, rateIndex, limitKind)
				if err != nil {
					return err
				}
			} else if t, err = tick.Pack(value, durationIndex, rateIndex, limitKind); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), describeTick(t, nil, nil))
		},
	}
	cmd.Flags().StringVar(&limit, "limit", "", "Absolute limit in currency units, or ratio in basis points")
	cmd.Flags().Uint8Var(&durationIndex, "duration-index", 0, "Index into the pool duration table")
	cmd.Flags().Uint8Var(&rateIndex, "rate-index", 0, "Index into the pool rate table")
	cmd.Flags().StringVar(&kind, "kind", "absolute", "Limit kind: absolute or ratio")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func newTickDecodeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <tick>",
		Short: "Unpack a decimal or 0x-prefixed tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tick.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if cfg == nil {
				return printJSON(cmd.OutOrStdout(), describeTick(t, nil, nil))
			}
			params, err := cfg.PoolParams()
			if err != nil {
				return err
			}
			codec, err := tick.NewCodec(len(params.Durations), len(params.Rates))
			if err != nil {
				return err
			}
			if err := codec.Validate(t); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), describeTick(t, params.Durations, params.Rates))
		},
	}
}

func parseKind(value string) (tick.LimitKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "absolute":
		return tick.LimitAbsolute, nil
	case "ratio":
		return tick.LimitRatio, nil
	default:
		return 0, fmt.Errorf("unknown limit kind %q", value)
	}
}

// describeTick renders t; durations and rates, when given, resolve the
// indices against a pool's tables.
func describeTick(t tick.Tick, durations []uint64, rates []*big.Int) tickView {
	fields := tick.Unpack(t)
	view := tickView{
		Tick:          t.String(),
		Hex:           t.Hex(),
		Limit:         fields.Limit.String(),
		Kind:          fields.Kind.String(),
		DurationIndex: fields.DurationIndex,
		RateIndex:     fields.RateIndex,
	}
	if int(fields.DurationIndex) < len(durations) {
		view.Duration = durations[fields.DurationIndex]
	}
	if int(fields.RateIndex) < len(rates) {
		view.APR = interest.APRFromRate(rates[fields.RateIndex]).StringFixed(4)
	}
	return view
}
