package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type discriminator for operation events.
type Type int32

const (
	TypeUnknown Type = iota
	TypeCollateralDeposited
	TypeCollateralRedeemed
	TypeDebtMinted
	TypeDebtBurned
	TypeLiquidation
)

func (t Type) String() string {
	switch t {
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralRedeemed:
		return "CollateralRedeemed"
	case TypeDebtMinted:
		return "DebtMinted"
	case TypeDebtBurned:
		return "DebtBurned"
	case TypeLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// Envelope wraps every completed operation in the event log.
type Envelope struct {
	// Monotonic sequence assigned by the engine.
	Sequence int64

	// OpID identifies the operation that produced the event.
	OpID uuid.UUID

	Type Type

	// User whose account was affected. For liquidations this is the
	// debtor; the liquidator travels in the payload.
	User uuid.UUID

	// Asset is empty for pure debt operations.
	Asset string

	// Amount of collateral or debt moved, base-10 1e18 fixed-point.
	Amount string

	// HealthFactor of the affected account after the operation,
	// base-10. Empty when the account has no debt.
	HealthFactor string

	Timestamp time.Time

	// Payload carries event-specific fields, JSON-encoded at the
	// persistence boundary.
	Payload any
}

// LiquidationPayload is the payload for TypeLiquidation envelopes.
type LiquidationPayload struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	Debtor           uuid.UUID `json:"debtor"`
	Asset            string    `json:"asset"`
	DebtCovered      string    `json:"debt_covered"`
	CollateralSeized string    `json:"collateral_seized"`
	Bonus            string    `json:"bonus"`
	StartingRatio    string    `json:"starting_ratio"`
	EndingRatio      string    `json:"ending_ratio"`
}

// TransferPayload is the payload for deposit/redeem/mint/burn
// envelopes.
type TransferPayload struct {
	User   uuid.UUID `json:"user"`
	Asset  string    `json:"asset,omitempty"`
	Amount string    `json:"amount"`
}

// FormatAmount renders a big.Int amount for an envelope. Nil-safe.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
