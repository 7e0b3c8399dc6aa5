package engine

import (
	"math/big"

	"github.com/google/uuid"

	"SynthVault/internal/oracle"
	"SynthVault/internal/risk"
)

// AccountView is the read-model of one account at current prices.
type AccountView struct {
	User            uuid.UUID
	DebtMinted      *big.Int
	CollateralValue *big.Int
	HealthFactor    *big.Int
}

// Account returns the user's debt, total collateral value, and health
// factor at current prices. Read-only.
func (e *Engine) Account(user uuid.UUID) (AccountView, error) {
	debt, value, err := e.accounts.AccountInfo(user, e.prices)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		User:            user,
		DebtMinted:      debt,
		CollateralValue: value,
		HealthFactor:    risk.HealthFactor(value, debt),
	}, nil
}

// HealthFactor returns the user's current solvency ratio.
func (e *Engine) HealthFactor(user uuid.UUID) (*big.Int, error) {
	return e.ratio(user)
}

// CollateralBalance returns the user's deposited amount of asset.
func (e *Engine) CollateralBalance(user uuid.UUID, asset string) (*big.Int, error) {
	if !e.prices.Supported(asset) {
		return nil, ErrUnsupportedAsset
	}
	return e.accounts.CollateralBalance(user, asset), nil
}

// CollateralValue returns the user's total collateral value in
// unit-of-account terms at current prices.
func (e *Engine) CollateralValue(user uuid.UUID) (*big.Int, error) {
	return e.accounts.CollateralValue(user, e.prices)
}

// DebtMinted returns the user's outstanding minted debt.
func (e *Engine) DebtMinted(user uuid.UUID) *big.Int {
	return e.accounts.DebtMinted(user)
}

// Value converts a token amount of asset into unit-of-account terms at
// the current price.
func (e *Engine) Value(asset string, amount *big.Int) (*big.Int, error) {
	price, err := e.prices.Price(asset)
	if err != nil {
		return nil, err
	}
	return risk.CollateralValue(amount, price), nil
}

// TokenAmount converts a unit-of-account value into an asset token
// amount at the current price.
func (e *Engine) TokenAmount(asset string, value *big.Int) (*big.Int, error) {
	price, err := e.prices.Price(asset)
	if err != nil {
		return nil, err
	}
	return risk.TokenAmountFromDebt(value, price), nil
}

// Assets returns the collateral registry in registration order.
func (e *Engine) Assets() []string {
	return e.prices.Assets()
}

// PriceSourceFor returns the feed registered for asset.
func (e *Engine) PriceSourceFor(asset string) (oracle.PriceSource, bool) {
	return e.prices.SourceFor(asset)
}
