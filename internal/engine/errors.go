package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidAmount rejects zero or negative amounts before any
	// state is touched.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnsupportedAsset rejects operations naming an asset outside
	// the registry fixed at construction.
	ErrUnsupportedAsset = errors.New("asset not in collateral registry")

	// ErrTransferFailed wraps a collateral or debt-unit ledger
	// rejecting a transfer.
	ErrTransferFailed = errors.New("token transfer failed")

	// ErrMintFailed wraps the debt-unit ledger rejecting a mint.
	ErrMintFailed = errors.New("debt mint failed")

	// ErrHealthFactorOk rejects a liquidation attempt against a
	// solvent account.
	ErrHealthFactorOk = errors.New("account health factor is not below minimum")

	// ErrBurnExceedsDebt rejects burning more than the account has
	// minted.
	ErrBurnExceedsDebt = errors.New("burn amount exceeds minted debt")

	// ErrReentrantCall rejects an operation entered while another is
	// in flight. The engine is not reentrant.
	ErrReentrantCall = errors.New("engine operation already in progress")
)

// HealthFactorError reports an operation rejected because it would
// leave the account below the minimum health factor. Carries the ratio
// the account would have had.
type HealthFactorError struct {
	Ratio *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("health factor broken: %s below minimum", e.Ratio)
}

// NotImprovedError reports a liquidation rejected at the postcondition:
// covering the requested debt did not strictly raise the debtor's
// health factor.
type NotImprovedError struct {
	Start *big.Int
	End   *big.Int
}

func (e *NotImprovedError) Error() string {
	return fmt.Sprintf("liquidation did not improve health factor: %s -> %s", e.Start, e.End)
}
