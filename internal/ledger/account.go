package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Account holds one user's deposited collateral per asset and the
// amount of the debt unit they have minted. Amounts are 1e18
// fixed-point, never negative.
type Account struct {
	Collateral map[string]*big.Int
	DebtMinted *big.Int
}

// AccountLedger owns per-user balances. Accounts are created
// implicitly on first credit and never deleted. Mutators are reserved
// to the engine layer — every balance change must pass through
// solvency enforcement there.
type AccountLedger struct {
	accounts map[uuid.UUID]*Account
}

func NewAccountLedger() *AccountLedger {
	return &AccountLedger{
		accounts: make(map[uuid.UUID]*Account),
	}
}

func (l *AccountLedger) account(user uuid.UUID) *Account {
	acct, ok := l.accounts[user]
	if !ok {
		acct = &Account{
			Collateral: make(map[string]*big.Int),
			DebtMinted: new(big.Int),
		}
		l.accounts[user] = acct
	}
	return acct
}

// CreditCollateral increments the user's balance in asset.
func (l *AccountLedger) CreditCollateral(user uuid.UUID, asset string, amount *big.Int) {
	acct := l.account(user)
	bal, ok := acct.Collateral[asset]
	if !ok {
		bal = new(big.Int)
		acct.Collateral[asset] = bal
	}
	bal.Add(bal, amount)
}

// DebitCollateral decrements the user's balance in asset. A decrement
// below zero is not a valid state and fails loudly.
func (l *AccountLedger) DebitCollateral(user uuid.UUID, asset string, amount *big.Int) error {
	acct := l.account(user)
	bal, ok := acct.Collateral[asset]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("collateral underflow for user %s asset %s: have %s, debit %s",
			user, asset, have, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// IncreaseDebt increments the user's minted debt.
func (l *AccountLedger) IncreaseDebt(user uuid.UUID, amount *big.Int) {
	acct := l.account(user)
	acct.DebtMinted.Add(acct.DebtMinted, amount)
}

// DecreaseDebt decrements the user's minted debt, failing loudly on
// underflow.
func (l *AccountLedger) DecreaseDebt(user uuid.UUID, amount *big.Int) error {
	acct := l.account(user)
	if acct.DebtMinted.Cmp(amount) < 0 {
		return fmt.Errorf("debt underflow for user %s: have %s, decrease %s",
			user, acct.DebtMinted, amount)
	}
	acct.DebtMinted.Sub(acct.DebtMinted, amount)
	return nil
}

// CollateralBalance returns the user's deposited amount of asset.
func (l *AccountLedger) CollateralBalance(user uuid.UUID, asset string) *big.Int {
	acct, ok := l.accounts[user]
	if !ok {
		return new(big.Int)
	}
	bal, ok := acct.Collateral[asset]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// DebtMinted returns the user's outstanding debt.
func (l *AccountLedger) DebtMinted(user uuid.UUID) *big.Int {
	acct, ok := l.accounts[user]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(acct.DebtMinted)
}

// PriceLookup resolves an asset to its current fresh price. Satisfied
// by *oracle.Adapter.
type PriceLookup interface {
	Price(asset string) (*big.Int, error)
	Assets() []string
}

// CollateralValue sums the user's holdings across all registered
// assets, converted to unit-of-account terms at current prices.
// Recomputed on every call; prices can move between calls.
func (l *AccountLedger) CollateralValue(user uuid.UUID, prices PriceLookup) (*big.Int, error) {
	total := new(big.Int)

	acct, ok := l.accounts[user]
	if !ok {
		return total, nil
	}

	for _, asset := range prices.Assets() {
		bal, held := acct.Collateral[asset]
		if !held || bal.Sign() == 0 {
			// Zero holdings need no price, and must not fail the
			// valuation on a feed the account doesn't depend on.
			continue
		}

		price, err := prices.Price(asset)
		if err != nil {
			return nil, err
		}

		value := new(big.Int).Mul(bal, price)
		value.Div(value, scale)
		total.Add(total, value)
	}

	return total, nil
}

// AccountInfo returns the user's debt and total collateral value.
func (l *AccountLedger) AccountInfo(user uuid.UUID, prices PriceLookup) (debt, collateralValue *big.Int, err error) {
	collateralValue, err = l.CollateralValue(user, prices)
	if err != nil {
		return nil, nil, err
	}
	return l.DebtMinted(user), collateralValue, nil
}

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
