package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Observation is a single price reading from an external feed.
type Observation struct {
	// Price in unit-of-account per whole token, 1e18 fixed-point.
	Price *big.Int

	// ObservedAt is the feed's own update timestamp.
	ObservedAt time.Time

	// Round and AnsweredInRound carry the feed's round bookkeeping.
	// An answer that predates the round it claims to belong to
	// (AnsweredInRound < Round) is treated as stale.
	Round           uint64
	AnsweredInRound uint64
}

// PriceSource is one external price feed. Implementations must be
// safe for concurrent reads.
type PriceSource interface {
	Latest() (Observation, error)
}

// ErrUnknownAsset is returned when no oracle is registered for an asset.
var ErrUnknownAsset = errors.New("no oracle registered for asset")

// ErrNoObservation is returned by a feed that has never been updated.
var ErrNoObservation = errors.New("feed has no observation yet")

// StalePriceError reports a price observation older than the staleness
// timeout, or one whose answer predates its round.
type StalePriceError struct {
	Asset string
	Age   time.Duration
}

func (e *StalePriceError) Error() string {
	return fmt.Sprintf("stale price for %s: observation is %s old", e.Asset, e.Age)
}

// Is makes errors.Is(err, &StalePriceError{}) match any stale-price error.
func (e *StalePriceError) Is(target error) bool {
	_, ok := target.(*StalePriceError)
	return ok
}
