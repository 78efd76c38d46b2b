package tick

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidTick is returned for malformed, out of range or mis-ordered ticks.
var ErrInvalidTick = errors.New("pool: invalid tick")

// LimitKind selects how the packed limit of a tick is interpreted.
type LimitKind uint8

const (
	// LimitAbsolute ticks carry the limit in currency units.
	LimitAbsolute LimitKind = 0
	// LimitRatio ticks carry the limit in basis points of the oracle price.
	LimitRatio LimitKind = 1
)

const (
	// Size is the encoded width of a tick in bytes.
	Size = 16

	limitShift    = 8
	durationShift = 5
	rateShift     = 2

	indexMask = 0x7
	kindMask  = 0x3

	// LimitBits bounds the packed limit field.
	LimitBits = 120
	// MaxDurations is the largest duration table addressable by a tick.
	MaxDurations = 8
	// MaxRates is the largest rate table addressable by a tick.
	MaxRates = 8
	// RatioScale is the denominator applied to ratio limits.
	RatioScale = 10_000
)

var maxLimit = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), LimitBits), big.NewInt(1))

func (k LimitKind) String() string {
	switch k {
	case LimitAbsolute:
		return "absolute"
	case LimitRatio:
		return "ratio"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Tick is the packed 128-bit bucket identifier stored big-endian, so byte
// order matches numeric order.
type Tick [Size]byte

// FromUint256 truncates v to the tick width. Callers must ensure v fits.
func FromUint256(v *uint256.Int) Tick {
	var t Tick
	buf := v.Bytes32()
	copy(t[:], buf[32-Size:])
	return t
}

// Uint256 returns the tick as an unsigned integer.
func (t Tick) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes(t[:])
}

// Big returns the tick as a big integer.
func (t Tick) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// Bytes returns a copy of the big-endian encoding.
func (t Tick) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, t[:])
	return out
}

// Cmp compares two ticks numerically.
func (t Tick) Cmp(other Tick) int {
	for i := 0; i < Size; i++ {
		switch {
		case t[i] < other[i]:
			return -1
		case t[i] > other[i]:
			return 1
		}
	}
	return 0
}

// IsZero reports whether the tick is the zero value.
func (t Tick) IsZero() bool {
	return t == Tick{}
}

// String renders the tick as a decimal integer.
func (t Tick) String() string {
	return t.Uint256().Dec()
}

// Hex renders the tick as 0x-prefixed hex.
func (t Tick) Hex() string {
	return "0x" + hex.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t Tick) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tick) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse accepts a decimal or 0x-prefixed hex tick.
func Parse(value string) (Tick, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Tick{}, fmt.Errorf("%w: empty tick", ErrInvalidTick)
	}
	var v *uint256.Int
	var err error
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		v, err = uint256.FromHex(normalizeHex(trimmed))
	} else {
		v, err = uint256.FromDecimal(trimmed)
	}
	if err != nil {
		return Tick{}, fmt.Errorf("%w: %v", ErrInvalidTick, err)
	}
	if v.BitLen() > Size*8 {
		return Tick{}, fmt.Errorf("%w: exceeds %d bits", ErrInvalidTick, Size*8)
	}
	return FromUint256(v), nil
}

// uint256.FromHex rejects leading zero digits.
func normalizeHex(value string) string {
	digits := strings.TrimLeft(value[2:], "0")
	if digits == "" {
		digits = "0"
	}
	return "0x" + digits
}

// Fields are the raw packed components of a tick.
type Fields struct {
	Limit         *big.Int
	DurationIndex uint8
	RateIndex     uint8
	Kind          LimitKind
}

// Unpack splits a tick into its packed components without validation.
func Unpack(t Tick) Fields {
	v := t.Uint256()
	low := v.Uint64()
	limit := new(uint256.Int).Rsh(v, limitShift)
	return Fields{
		Limit:         limit.ToBig(),
		DurationIndex: uint8((low >> durationShift) & indexMask),
		RateIndex:     uint8((low >> rateShift) & indexMask),
		Kind:          LimitKind(low & kindMask),
	}
}

// Pack assembles a tick from its components without validating them against
// a pool's tables.
func Pack(limit *big.Int, durationIndex, rateIndex uint8, kind LimitKind) (Tick, error) {
	if limit == nil || limit.Sign() < 0 || limit.Cmp(maxLimit) > 0 {
		return Tick{}, fmt.Errorf("%w: limit out of range", ErrInvalidTick)
	}
	if durationIndex > indexMask || rateIndex > indexMask || uint8(kind) > kindMask {
		return Tick{}, fmt.Errorf("%w: field out of range", ErrInvalidTick)
	}
	v, overflow := uint256.FromBig(limit)
	if overflow {
		return Tick{}, fmt.Errorf("%w: limit overflow", ErrInvalidTick)
	}
	v.Lsh(v, limitShift)
	low := uint64(durationIndex)<<durationShift | uint64(rateIndex)<<rateShift | uint64(kind)
	v.Or(v, uint256.NewInt(low))
	return FromUint256(v), nil
}
