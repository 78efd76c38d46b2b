package pool

import (
	"fmt"
	"math/big"

	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

type allocation struct {
	tick      tick.Tick
	used      *big.Int
	rateIndex uint8
}

// source walks ticks in caller order and takes liquidity greedily until
// principal is covered. Every tick is validated before any is consumed, and
// nothing is staged: the caller applies the allocation.
func (b *book) source(codec tick.Codec, durations []uint64, principal *big.Int, duration uint64, ticks []tick.Tick, resolver tick.LimitResolver) ([]allocation, error) {
	if principal == nil || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%w: no ticks supplied", ErrInvalidTick)
	}
	if len(ticks) > receipt.MaxNodeReceipts {
		return nil, fmt.Errorf("%w: %d ticks exceeds %d", ErrInvalidTick, len(ticks), receipt.MaxNodeReceipts)
	}
	decoded := make([]tick.Decoded, len(ticks))
	for i, t := range ticks {
		d, err := codec.Decode(t, resolver)
		if err != nil {
			return nil, err
		}
		if durations[d.DurationIndex] < duration {
			return nil, fmt.Errorf("%w: tick %s allows %ds, loan needs %ds", ErrInvalidTick, t, durations[d.DurationIndex], duration)
		}
		if i > 0 {
			prev := decoded[i-1]
			if t.Cmp(prev.Tick) <= 0 || d.Limit.Cmp(prev.Limit) <= 0 {
				return nil, fmt.Errorf("%w: ticks not strictly increasing at %d", ErrInvalidTick, i)
			}
		}
		decoded[i] = d
	}

	remaining := new(big.Int).Set(principal)
	var allocations []allocation
	for _, d := range decoded {
		if remaining.Sign() == 0 {
			break
		}
		node, ok, err := b.peek(d.Tick)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		take := node.Available()
		if take.Sign() <= 0 {
			continue
		}
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		allocations = append(allocations, allocation{tick: d.Tick, used: take, rateIndex: d.RateIndex})
		remaining.Sub(remaining, take)
	}
	if remaining.Sign() > 0 {
		return nil, fmt.Errorf("%w: %s short", ErrInsufficientLiquidity, remaining)
	}
	return allocations, nil
}
