package interest

import "math/big"

var (
	wad          = mustBigInt("1000000000000000000")          // 1e18 precision
	ray          = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay      = new(big.Int).Rsh(ray, 1)
	wadToRayUnit = new(big.Int).Quo(ray, wad)
)

// SecondsPerYear is the annualisation basis for APR conversions.
const SecondsPerYear = 365 * 24 * 60 * 60

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// WAD returns a copy of the 1e18 fixed-point unit.
func WAD() *big.Int {
	return new(big.Int).Set(wad)
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

// rayPow raises a ray-denominated base to an integer power by squaring.
func rayPow(base *big.Int, exp uint64) *big.Int {
	result := new(big.Int).Set(ray)
	x := new(big.Int).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = rayMul(result, x)
		}
		exp >>= 1
		if exp > 0 {
			x = rayMul(x, x)
		}
	}
	return result
}

func wadToRay(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(v, wadToRayUnit)
}

// mulDiv returns floor(a * b / c).
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}
