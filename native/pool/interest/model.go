package interest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errInvalidPrincipal = errors.New("interest: principal must be positive")
	errInvalidRate      = errors.New("interest: rate must be non-negative")
	errEmptyAllocation  = errors.New("interest: allocation is empty")
)

// Model maps a loan's principal, duration and per-second rate to the total
// repayment. Implementations must be pure and non-decreasing in duration.
type Model interface {
	Name() string
	Quote(principal *big.Int, duration uint64, rate *big.Int) (*big.Int, error)
}

// Simple accrues linear interest: principal * (1 + rate * duration).
type Simple struct{}

// Name implements Model.
func (Simple) Name() string { return "simple" }

// Quote implements Model. The rate is a per-second WAD.
func (Simple) Quote(principal *big.Int, duration uint64, rate *big.Int) (*big.Int, error) {
	if err := checkInputs(principal, rate); err != nil {
		return nil, err
	}
	interest := new(big.Int).Mul(principal, rate)
	interest.Mul(interest, new(big.Int).SetUint64(duration))
	interest.Quo(interest, wad)
	return interest.Add(interest, principal), nil
}

// Compound accrues per-second compounding interest using ray precision.
type Compound struct{}

// Name implements Model.
func (Compound) Name() string { return "compound" }

// Quote implements Model. The rate is a per-second WAD.
func (Compound) Quote(principal *big.Int, duration uint64, rate *big.Int) (*big.Int, error) {
	if err := checkInputs(principal, rate); err != nil {
		return nil, err
	}
	if rate.Sign() == 0 || duration == 0 {
		return new(big.Int).Set(principal), nil
	}
	base := new(big.Int).Add(ray, wadToRay(rate))
	factor := rayPow(base, duration)
	repayment := new(big.Int).Mul(principal, factor)
	repayment.Quo(repayment, ray)
	if repayment.Cmp(principal) < 0 {
		repayment.Set(principal)
	}
	return repayment, nil
}

// ModelByName resolves a configured model name.
func ModelByName(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "simple":
		return Simple{}, nil
	case "compound":
		return Compound{}, nil
	default:
		return nil, fmt.Errorf("interest: unknown model %q", name)
	}
}

func checkInputs(principal, rate *big.Int) error {
	if principal == nil || principal.Sign() <= 0 {
		return errInvalidPrincipal
	}
	if rate == nil || rate.Sign() < 0 {
		return errInvalidRate
	}
	return nil
}

// BlendedRate weights each node's rate by the principal it contributes.
func BlendedRate(used, rates []*big.Int) (*big.Int, error) {
	if len(used) == 0 || len(used) != len(rates) {
		return nil, errEmptyAllocation
	}
	total := new(big.Int)
	weighted := new(big.Int)
	for i := range used {
		total.Add(total, used[i])
		weighted.Add(weighted, new(big.Int).Mul(used[i], rates[i]))
	}
	if total.Sign() == 0 {
		return nil, errEmptyAllocation
	}
	return weighted.Quo(weighted, total), nil
}

// Distribute splits repayment across nodes in proportion to the principal
// each contributed. Shares round down and the residual lands on the last
// entry so the result sums to repayment exactly.
func Distribute(repayment *big.Int, used []*big.Int) ([]*big.Int, error) {
	if len(used) == 0 {
		return nil, errEmptyAllocation
	}
	principal := new(big.Int)
	for _, u := range used {
		principal.Add(principal, u)
	}
	if principal.Sign() == 0 {
		return nil, errEmptyAllocation
	}
	pending := make([]*big.Int, len(used))
	assigned := new(big.Int)
	for i, u := range used {
		pending[i] = mulDiv(repayment, u, principal)
		assigned.Add(assigned, pending[i])
	}
	last := len(pending) - 1
	pending[last].Add(pending[last], new(big.Int).Sub(repayment, assigned))
	return pending, nil
}

// RateFromAPR converts an annual percentage rate (0.10 == 10%) into a
// per-second WAD rate, rounded down.
func RateFromAPR(apr decimal.Decimal) (*big.Int, error) {
	if apr.IsNegative() {
		return nil, errInvalidRate
	}
	perSecond := apr.Mul(decimal.NewFromBigInt(wad, 0)).Div(decimal.NewFromInt(SecondsPerYear))
	return perSecond.Floor().BigInt(), nil
}

// ParseAPR parses a decimal APR string such as "0.12".
func ParseAPR(value string) (*big.Int, error) {
	apr, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("interest: parse apr %q: %w", value, err)
	}
	return RateFromAPR(apr)
}

// APRFromRate converts a per-second WAD rate back to an annual rate.
func APRFromRate(rate *big.Int) decimal.Decimal {
	if rate == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rate, 0).Mul(decimal.NewFromInt(SecondsPerYear)).Div(decimal.NewFromBigInt(wad, 0))
}
