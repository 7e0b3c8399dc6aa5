package engine

import (
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SynthVault/internal/event"
	"SynthVault/internal/ledger"
	"SynthVault/internal/observability"
	"SynthVault/internal/oracle"
	"SynthVault/internal/risk"
	"SynthVault/internal/token"
)

// Engine is the collateral vault. It owns all account state, enforces
// the minimum health factor on every state change, and emits one event
// per completed operation.
//
// The engine is single-writer: callers serialize operations (the HTTP
// layer holds a write mutex). The CAS guard below is a hard backstop
// against reentrant entry, not a concurrency mechanism.
type Engine struct {
	id       uuid.UUID
	accounts *ledger.AccountLedger
	prices   *oracle.Adapter
	debt     token.DebtToken
	vaults   map[string]token.AssetLedger

	sequence int64
	busy     atomic.Bool
	now      func() time.Time

	persistChan chan<- event.Envelope
	publishChan chan<- event.Envelope

	metrics *observability.Metrics
	log     zerolog.Logger
}

// New builds an engine over a fixed collateral registry. vaults must
// have an entry for every asset the price adapter knows; a missing
// ledger is a construction-time failure surfaced on first use.
func New(
	prices *oracle.Adapter,
	debt token.DebtToken,
	vaults map[string]token.AssetLedger,
	persistChan, publishChan chan<- event.Envelope,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		id:          uuid.New(),
		accounts:    ledger.NewAccountLedger(),
		prices:      prices,
		debt:        debt,
		vaults:      vaults,
		now:         time.Now,
		persistChan: persistChan,
		publishChan: publishChan,
		metrics:     metrics,
		log:         log,
	}
}

// ID is the engine's own ledger identity. Locked collateral and debt
// units in flight are held under this ID.
func (e *Engine) ID() uuid.UUID { return e.id }

// SetClock overrides the event timestamp source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Sequence returns the next event sequence to be assigned.
func (e *Engine) Sequence() int64 { return e.sequence }

// SetSequence resumes numbering after the persisted log's tail.
// Startup only, before any operation runs.
func (e *Engine) SetSequence(seq int64) { e.sequence = seq }

// enter flips the reentrancy guard. Every exported mutation acquires
// it exactly once; internal helpers assume it is held.
func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

// DepositCollateral locks amount of asset from the user's external
// balance into the vault.
func (e *Engine) DepositCollateral(user uuid.UUID, asset string, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.deposit(user, asset, amount)
}

func (e *Engine) deposit(user uuid.UUID, asset string, amount *big.Int) error {
	const op = "deposit"
	start := time.Now()

	if err := e.validateAmount(op, amount); err != nil {
		return err
	}
	vault, err := e.vault(op, asset)
	if err != nil {
		return err
	}

	// Record first, then pull tokens. A failed pull unwinds the record
	// so internal and token state never diverge.
	e.accounts.CreditCollateral(user, asset, amount)

	if err := vault.Transfer(user, e.id, amount); err != nil {
		if rb := e.accounts.DebitCollateral(user, asset, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.reject(op, "transfer")
		return errors.Join(ErrTransferFailed, err)
	}

	e.emit(event.Envelope{
		Type:   event.TypeCollateralDeposited,
		User:   user,
		Asset:  asset,
		Amount: event.FormatAmount(amount),
		Payload: event.TransferPayload{
			User: user, Asset: asset, Amount: event.FormatAmount(amount),
		},
	}, user)

	e.applied(op, start)
	return nil
}

// RedeemCollateral releases amount of asset back to the user, provided
// the account stays at or above the minimum health factor.
func (e *Engine) RedeemCollateral(user uuid.UUID, asset string, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.redeem(user, asset, amount)
}

func (e *Engine) redeem(user uuid.UUID, asset string, amount *big.Int) error {
	const op = "redeem"
	start := time.Now()

	if err := e.validateAmount(op, amount); err != nil {
		return err
	}
	vault, err := e.vault(op, asset)
	if err != nil {
		return err
	}

	if err := e.accounts.DebitCollateral(user, asset, amount); err != nil {
		e.reject(op, "balance")
		return errors.Join(ErrInvalidAmount, err)
	}

	// Solvency gate runs on the post-debit record, before any tokens
	// move.
	if err := e.requireSolvent(user); err != nil {
		e.accounts.CreditCollateral(user, asset, amount)
		e.reject(op, rejectReason(err))
		return err
	}

	if err := vault.Transfer(e.id, user, amount); err != nil {
		e.accounts.CreditCollateral(user, asset, amount)
		e.reject(op, "transfer")
		return errors.Join(ErrTransferFailed, err)
	}

	e.emit(event.Envelope{
		Type:   event.TypeCollateralRedeemed,
		User:   user,
		Asset:  asset,
		Amount: event.FormatAmount(amount),
		Payload: event.TransferPayload{
			User: user, Asset: asset, Amount: event.FormatAmount(amount),
		},
	}, user)

	e.applied(op, start)
	return nil
}

// MintDebt issues amount of the debt unit to the user, provided the
// resulting position stays at or above the minimum health factor.
func (e *Engine) MintDebt(user uuid.UUID, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.mint(user, amount)
}

func (e *Engine) mint(user uuid.UUID, amount *big.Int) error {
	const op = "mint"
	start := time.Now()

	if err := e.validateAmount(op, amount); err != nil {
		return err
	}

	e.accounts.IncreaseDebt(user, amount)

	if err := e.requireSolvent(user); err != nil {
		if rb := e.accounts.DecreaseDebt(user, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.reject(op, rejectReason(err))
		return err
	}

	if err := e.debt.Mint(user, amount); err != nil {
		if rb := e.accounts.DecreaseDebt(user, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.reject(op, "mint")
		return errors.Join(ErrMintFailed, err)
	}

	// Post-mint re-check. The mint itself cannot change the ratio, but
	// a failure here must not leave issued tokens behind, so the
	// compensation pulls them back and unwinds the record.
	if err := e.requireSolvent(user); err != nil {
		if rb := e.debt.Transfer(user, e.id, amount); rb != nil {
			e.fatal(op, rb)
		}
		if rb := e.debt.Burn(e.id, amount); rb != nil {
			e.fatal(op, rb)
		}
		if rb := e.accounts.DecreaseDebt(user, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.reject(op, rejectReason(err))
		return err
	}

	e.emit(event.Envelope{
		Type:   event.TypeDebtMinted,
		User:   user,
		Amount: event.FormatAmount(amount),
		Payload: event.TransferPayload{
			User: user, Amount: event.FormatAmount(amount),
		},
	}, user)

	e.applied(op, start)
	return nil
}

// BurnDebt retires amount of the user's own debt: tokens are pulled
// from the user, destroyed, and the minted record reduced. Burning
// only ever raises the health factor.
func (e *Engine) BurnDebt(user uuid.UUID, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.burnFor(user, user, amount)
}

// burnFor retires amount of onBehalfOf's debt, paying with tokens held
// by from. Liquidation burns the debtor's debt with the liquidator's
// tokens.
func (e *Engine) burnFor(onBehalfOf, from uuid.UUID, amount *big.Int) error {
	const op = "burn"
	start := time.Now()

	if err := e.validateAmount(op, amount); err != nil {
		return err
	}

	if e.accounts.DebtMinted(onBehalfOf).Cmp(amount) < 0 {
		e.reject(op, "exceeds_debt")
		return ErrBurnExceedsDebt
	}
	if err := e.accounts.DecreaseDebt(onBehalfOf, amount); err != nil {
		e.reject(op, "balance")
		return errors.Join(ErrInvalidAmount, err)
	}

	if err := e.debt.Transfer(from, e.id, amount); err != nil {
		e.accounts.IncreaseDebt(onBehalfOf, amount)
		e.reject(op, "transfer")
		return errors.Join(ErrTransferFailed, err)
	}

	if err := e.debt.Burn(e.id, amount); err != nil {
		if rb := e.debt.Transfer(e.id, from, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.accounts.IncreaseDebt(onBehalfOf, amount)
		e.reject(op, "burn")
		return errors.Join(ErrMintFailed, err)
	}

	// Burning only raises the ratio, so a failure here means the feed
	// went stale mid-operation or the burn did not lift the account
	// back above minimum. Either way the burn is reissued.
	if err := e.requireSolvent(onBehalfOf); err != nil {
		if rb := e.debt.Mint(from, amount); rb != nil {
			e.fatal(op, rb)
		}
		e.accounts.IncreaseDebt(onBehalfOf, amount)
		e.reject(op, rejectReason(err))
		return err
	}

	e.emit(event.Envelope{
		Type:   event.TypeDebtBurned,
		User:   onBehalfOf,
		Amount: event.FormatAmount(amount),
		Payload: event.TransferPayload{
			User: onBehalfOf, Amount: event.FormatAmount(amount),
		},
	}, onBehalfOf)

	e.applied(op, start)
	return nil
}

// DepositAndMint locks collateral and mints debt as one operation. If
// the mint fails the deposit is unwound, so the caller sees all or
// nothing.
func (e *Engine) DepositAndMint(user uuid.UUID, asset string, collateralAmount, debtAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.deposit(user, asset, collateralAmount); err != nil {
		return err
	}
	if err := e.mint(user, debtAmount); err != nil {
		if rb := e.redeem(user, asset, collateralAmount); rb != nil {
			e.fatal("deposit_and_mint", rb)
		}
		return err
	}
	return nil
}

// RedeemForDebt burns debt and then redeems collateral as one
// operation. The burn runs first so the redeem's solvency gate sees
// the reduced debt.
func (e *Engine) RedeemForDebt(user uuid.UUID, asset string, collateralAmount, debtAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.burnFor(user, user, debtAmount); err != nil {
		return err
	}
	if err := e.redeem(user, asset, collateralAmount); err != nil {
		// Re-issue the burned debt so the account is exactly as it was.
		// The burn already reached the event log, so the reissue is
		// recorded too; replaying the log must reproduce the engine's
		// debt.
		e.accounts.IncreaseDebt(user, debtAmount)
		if rb := e.debt.Mint(user, debtAmount); rb != nil {
			e.fatal("redeem_for_debt", rb)
		}
		e.emit(event.Envelope{
			Type:   event.TypeDebtMinted,
			User:   user,
			Amount: event.FormatAmount(debtAmount),
			Payload: event.TransferPayload{
				User: user, Amount: event.FormatAmount(debtAmount),
			},
		}, user)
		return err
	}
	return nil
}

// requireSolvent computes the account's health factor at current
// prices and fails with HealthFactorError when it is below minimum.
// Oracle errors (unknown asset, stale feed) propagate unchanged.
func (e *Engine) requireSolvent(user uuid.UUID) error {
	ratio, err := e.ratio(user)
	if err != nil {
		return err
	}
	if !risk.IsSolvent(ratio) {
		return &HealthFactorError{Ratio: ratio}
	}
	return nil
}

func (e *Engine) ratio(user uuid.UUID) (*big.Int, error) {
	value, err := e.accounts.CollateralValue(user, e.prices)
	if err != nil {
		return nil, err
	}
	return risk.HealthFactor(value, e.accounts.DebtMinted(user)), nil
}

func (e *Engine) validateAmount(op string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		e.reject(op, "amount")
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) vault(op, asset string) (token.AssetLedger, error) {
	vault, ok := e.vaults[asset]
	if !ok || !e.prices.Supported(asset) {
		e.reject(op, "asset")
		return nil, ErrUnsupportedAsset
	}
	return vault, nil
}

// emit finalizes an envelope and hands it to both downstream channels.
// Persistence blocks so no event is lost; publishing drops on a full
// channel, subscribers rebuild from the event log.
func (e *Engine) emit(env event.Envelope, user uuid.UUID) {
	env.Sequence = e.sequence
	env.OpID = uuid.New()
	env.Timestamp = e.now()
	if env.HealthFactor == "" {
		if ratio, err := e.ratio(user); err == nil {
			if ratio.Cmp(risk.MaxHealthFactor) != 0 {
				env.HealthFactor = ratio.String()
			}
		}
	}
	e.sequence++

	if e.persistChan != nil {
		e.persistChan <- env
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	e.log.Debug().Str("op", op).Int64("sequence", e.sequence-1).Msg("operation applied")
}

func (e *Engine) reject(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

// fatal reports a failed rollback. The engine's record and the token
// ledgers may now disagree, which no further operation can repair.
func (e *Engine) fatal(op string, err error) {
	e.log.Error().Str("op", op).Err(err).Msg("rollback failed, state may be inconsistent")
}

func rejectReason(err error) string {
	var hf *HealthFactorError
	var stale *oracle.StalePriceError
	switch {
	case errors.As(err, &hf):
		return "health_factor"
	case errors.As(err, &stale):
		return "stale_price"
	default:
		return "oracle"
	}
}
