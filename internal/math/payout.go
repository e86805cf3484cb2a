package math

import (
	"errors"
	"math"
)

var ErrOverflow = errors.New("math: int64 overflow")

// ProRataShare computes floor(stake * total / pool) without floating point.
// The product is carried in 128 bits so that pools near the int64 limit do
// not wrap. The result never exceeds total when stake <= pool.
func ProRataShare(stake, total, pool int64) (int64, error) {
	if stake < 0 || total < 0 || pool <= 0 {
		return 0, errors.New("math: invalid pro-rata operands")
	}
	product := MultiplyInt128(stake, total)
	defer Release(product)

	q := DivideInt128(product, pool, RoundDown)
	if q < 0 {
		return 0, ErrOverflow
	}
	return q, nil
}

// CheckedAdd returns a + b, or ErrOverflow if the sum leaves int64 range.
func CheckedAdd(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedMul returns a * b, or ErrOverflow if the product leaves int64 range.
func CheckedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrOverflow
	}
	p := a * b
	if p/b != a {
		return 0, ErrOverflow
	}
	return p, nil
}
