package tick

import (
	"fmt"
	"math/big"
)

// LimitResolver converts a ratio limit (basis points) into an absolute
// currency amount, typically by consulting a price oracle.
type LimitResolver interface {
	ResolveLimit(ratioBps *big.Int) (*big.Int, error)
}

// PriceResolver resolves ratio limits against a fixed price.
type PriceResolver struct {
	Price *big.Int
}

// ResolveLimit returns price * ratio / RatioScale, rounded down.
func (p PriceResolver) ResolveLimit(ratioBps *big.Int) (*big.Int, error) {
	if p.Price == nil || p.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: oracle price unavailable", ErrInvalidTick)
	}
	limit := new(big.Int).Mul(p.Price, ratioBps)
	return limit.Quo(limit, big.NewInt(RatioScale)), nil
}

// Codec validates ticks against the duration and rate tables of a pool.
type Codec struct {
	Durations int
	Rates     int
}

// NewCodec constructs a codec for tables of the supplied sizes.
func NewCodec(durations, rates int) (Codec, error) {
	if durations <= 0 || durations > MaxDurations {
		return Codec{}, fmt.Errorf("tick: duration table size %d outside 1..%d", durations, MaxDurations)
	}
	if rates <= 0 || rates > MaxRates {
		return Codec{}, fmt.Errorf("tick: rate table size %d outside 1..%d", rates, MaxRates)
	}
	return Codec{Durations: durations, Rates: rates}, nil
}

// Decoded is a validated tick with its resolved limit.
type Decoded struct {
	Tick          Tick
	Limit         *big.Int
	DurationIndex uint8
	RateIndex     uint8
	Kind          LimitKind
}

// Encode packs and validates a tick.
func (c Codec) Encode(limit *big.Int, durationIndex, rateIndex uint8, kind LimitKind) (Tick, error) {
	if err := c.check(Fields{Limit: limit, DurationIndex: durationIndex, RateIndex: rateIndex, Kind: kind}); err != nil {
		return Tick{}, err
	}
	return Pack(limit, durationIndex, rateIndex, kind)
}

// Validate checks a packed tick against the codec tables.
func (c Codec) Validate(t Tick) error {
	return c.check(Unpack(t))
}

// Decode validates a tick and resolves its limit. Ratio ticks require a
// resolver; absolute ticks ignore it.
func (c Codec) Decode(t Tick, resolver LimitResolver) (Decoded, error) {
	fields := Unpack(t)
	if err := c.check(fields); err != nil {
		return Decoded{}, err
	}
	decoded := Decoded{
		Tick:          t,
		Limit:         fields.Limit,
		DurationIndex: fields.DurationIndex,
		RateIndex:     fields.RateIndex,
		Kind:          fields.Kind,
	}
	if fields.Kind == LimitRatio {
		if resolver == nil {
			return Decoded{}, fmt.Errorf("%w: ratio tick %s needs a price", ErrInvalidTick, t)
		}
		limit, err := resolver.ResolveLimit(fields.Limit)
		if err != nil {
			return Decoded{}, err
		}
		decoded.Limit = limit
	}
	return decoded, nil
}

func (c Codec) check(f Fields) error {
	if int(f.DurationIndex) >= c.Durations {
		return fmt.Errorf("%w: duration index %d out of range", ErrInvalidTick, f.DurationIndex)
	}
	if int(f.RateIndex) >= c.Rates {
		return fmt.Errorf("%w: rate index %d out of range", ErrInvalidTick, f.RateIndex)
	}
	switch f.Kind {
	case LimitAbsolute:
	case LimitRatio:
		if f.Limit != nil && f.Limit.Cmp(big.NewInt(RatioScale)) > 0 {
			return fmt.Errorf("%w: ratio limit above %d bps", ErrInvalidTick, RatioScale)
		}
	default:
		return fmt.Errorf("%w: unknown limit kind %d", ErrInvalidTick, f.Kind)
	}
	if f.Limit == nil || f.Limit.Sign() < 0 || f.Limit.Cmp(maxLimit) > 0 {
		return fmt.Errorf("%w: limit out of range", ErrInvalidTick)
	}
	return nil
}
