package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// AssetLedger is the transfer surface of one external collateral
// asset. Any rejection surfaces to the engine as a transfer failure.
type AssetLedger interface {
	Transfer(from, to uuid.UUID, amount *big.Int) error
	BalanceOf(holder uuid.UUID) *big.Int
}

// DebtToken is the debt-unit ledger. Mint and Burn are owner-gated:
// only the engine holds the handle that can call them.
type DebtToken interface {
	AssetLedger
	Mint(to uuid.UUID, amount *big.Int) error
	Burn(from uuid.UUID, amount *big.Int) error
}

var ErrInsufficientBalance = errors.New("insufficient token balance")

// Ledger is an in-memory fungible-token ledger. It backs both the
// debt unit and collateral assets in simulation and tests. Mint and
// Burn are gated by possession of the *Ledger handle.
type Ledger struct {
	mu       sync.Mutex
	symbol   string
	balances map[uuid.UUID]*big.Int
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   symbol,
		balances: make(map[uuid.UUID]*big.Int),
	}
}

func (t *Ledger) Symbol() string { return t.symbol }

func (t *Ledger) balance(holder uuid.UUID) *big.Int {
	bal, ok := t.balances[holder]
	if !ok {
		bal = new(big.Int)
		t.balances[holder] = bal
	}
	return bal
}

// Transfer moves amount from one holder to another.
func (t *Ledger) Transfer(from, to uuid.UUID, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.balance(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%s transfer: %w: have %s, need %s",
			t.symbol, ErrInsufficientBalance, src, amount)
	}
	src.Sub(src, amount)
	t.balance(to).Add(t.balance(to), amount)
	return nil
}

// BalanceOf returns the holder's balance.
func (t *Ledger) BalanceOf(holder uuid.UUID) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.balances[holder]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// Mint creates amount for to. The capability travels with the *Ledger
// handle; for the debt unit the engine keeps the handle to itself.
func (t *Ledger) Mint(to uuid.UUID, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance(to).Add(t.balance(to), amount)
	return nil
}

// Burn destroys amount held by from.
func (t *Ledger) Burn(from uuid.UUID, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s burn: %w: have %s, need %s",
			t.symbol, ErrInsufficientBalance, bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}
