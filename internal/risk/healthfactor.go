package risk

import (
	"math/big"
)

// Fixed-point base shared by prices, amounts, and the health factor.
// One whole unit of any asset or of the debt unit is 1e18.
const DecimalPrecision = 18

var (
	// Scale is 10^18.
	Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(DecimalPrecision), nil)

	// MinHealthFactor is 1.0 in the fixed-point base. An account at or
	// above this ratio is solvent; below it, liquidatable.
	MinHealthFactor = new(big.Int).Set(Scale)

	// MaxHealthFactor is the sentinel for accounts with zero debt.
	// 2^256 - 1, matching the width of the on-ledger amount domain.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

const (
	// LiquidationThresholdPct is the share of nominal collateral value
	// that counts toward solvency. 50 means a 200% nominal
	// collateralization ratio yields a health factor of exactly 1.0.
	LiquidationThresholdPct = 50

	// LiquidationBonusPct is the extra collateral awarded to a
	// liquidator on top of the debt-equivalent seizure.
	LiquidationBonusPct = 10
)

// HealthFactor computes the solvency ratio for an account:
//
//	(collateralValue * threshold% / 100) * Scale / debt
//
// collateralValue and debt are in the 1e18 unit-of-account base.
// Deterministic and total: zero debt returns MaxHealthFactor.
func HealthFactor(collateralValue, debt *big.Int) *big.Int {
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}

	adjusted := new(big.Int).Mul(collateralValue, big.NewInt(LiquidationThresholdPct))
	adjusted.Div(adjusted, big.NewInt(100))

	ratio := adjusted.Mul(adjusted, Scale)
	return ratio.Div(ratio, debt)
}

// IsSolvent reports whether a ratio meets the minimum health factor.
func IsSolvent(ratio *big.Int) bool {
	return ratio.Cmp(MinHealthFactor) >= 0
}

// TokenAmountFromDebt converts a debt amount (unit-of-account base)
// into an equivalent collateral token amount at the given price.
func TokenAmountFromDebt(debt, price *big.Int) *big.Int {
	amount := new(big.Int).Mul(debt, Scale)
	return amount.Div(amount, price)
}

// LiquidationSeizure returns the total collateral seized for covering
// debtToCover at price: the debt-equivalent token amount plus the
// liquidation bonus.
func LiquidationSeizure(debtToCover, price *big.Int) (total, bonus *big.Int) {
	base := TokenAmountFromDebt(debtToCover, price)
	bonus = new(big.Int).Mul(base, big.NewInt(LiquidationBonusPct))
	bonus.Div(bonus, big.NewInt(100))
	total = new(big.Int).Add(base, bonus)
	return total, bonus
}

// CollateralValue converts a token amount held to unit-of-account
// terms at the given price: amount * price / Scale.
func CollateralValue(amount, price *big.Int) *big.Int {
	value := new(big.Int).Mul(amount, price)
	return value.Div(value, Scale)
}
