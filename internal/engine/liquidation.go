package engine

import (
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"SynthVault/internal/event"
	"SynthVault/internal/risk"
)

// Liquidate lets liquidator cover debtToCover of an insolvent debtor's
// debt in exchange for the equivalent collateral in asset plus a bonus.
// The debtor's health factor must be below minimum on entry and must
// strictly improve by the end, or the whole operation unwinds.
func (e *Engine) Liquidate(liquidator, debtor uuid.UUID, asset string, debtToCover *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	const op = "liquidate"
	start := time.Now()

	if err := e.validateAmount(op, debtToCover); err != nil {
		return err
	}
	vault, err := e.vault(op, asset)
	if err != nil {
		return err
	}

	price, err := e.prices.Price(asset)
	if err != nil {
		e.rejectLiquidation("oracle")
		return err
	}

	startRatio, err := e.ratio(debtor)
	if err != nil {
		e.rejectLiquidation("oracle")
		return err
	}
	if risk.IsSolvent(startRatio) {
		e.rejectLiquidation("solvent")
		return ErrHealthFactorOk
	}

	if e.accounts.DebtMinted(debtor).Cmp(debtToCover) < 0 {
		e.rejectLiquidation("exceeds_debt")
		return ErrBurnExceedsDebt
	}

	seizure, bonus := risk.LiquidationSeizure(debtToCover, price)

	// Effects run against the debtor's record first; token movement
	// follows. Each failure unwinds everything done so far.
	if err := e.accounts.DebitCollateral(debtor, asset, seizure); err != nil {
		e.rejectLiquidation("collateral")
		return errors.Join(ErrInvalidAmount, err)
	}
	if err := e.accounts.DecreaseDebt(debtor, debtToCover); err != nil {
		e.accounts.CreditCollateral(debtor, asset, seizure)
		e.rejectLiquidation("balance")
		return errors.Join(ErrInvalidAmount, err)
	}

	unwindRecord := func() {
		e.accounts.IncreaseDebt(debtor, debtToCover)
		e.accounts.CreditCollateral(debtor, asset, seizure)
	}

	if err := e.debt.Transfer(liquidator, e.id, debtToCover); err != nil {
		unwindRecord()
		e.rejectLiquidation("transfer")
		return errors.Join(ErrTransferFailed, err)
	}
	if err := e.debt.Burn(e.id, debtToCover); err != nil {
		if rb := e.debt.Transfer(e.id, liquidator, debtToCover); rb != nil {
			e.fatal(op, rb)
		}
		unwindRecord()
		e.rejectLiquidation("burn")
		return errors.Join(ErrMintFailed, err)
	}
	if err := vault.Transfer(e.id, liquidator, seizure); err != nil {
		if rb := e.debt.Mint(liquidator, debtToCover); rb != nil {
			e.fatal(op, rb)
		}
		unwindRecord()
		e.rejectLiquidation("transfer")
		return errors.Join(ErrTransferFailed, err)
	}

	// Full unwind once tokens have moved both ways.
	unwindAll := func() {
		if rb := vault.Transfer(liquidator, e.id, seizure); rb != nil {
			e.fatal(op, rb)
		}
		if rb := e.debt.Mint(liquidator, debtToCover); rb != nil {
			e.fatal(op, rb)
		}
		unwindRecord()
	}

	endRatio, err := e.ratio(debtor)
	if err != nil {
		unwindAll()
		e.rejectLiquidation("oracle")
		return err
	}
	if endRatio.Cmp(startRatio) <= 0 {
		unwindAll()
		e.rejectLiquidation("not_improved")
		return &NotImprovedError{Start: startRatio, End: endRatio}
	}

	// The liquidator spent debt units they may themselves have minted
	// against collateral. Their own position must survive the trade.
	if err := e.requireSolvent(liquidator); err != nil {
		unwindAll()
		e.rejectLiquidation(rejectReason(err))
		return err
	}

	e.emit(event.Envelope{
		Type:         event.TypeLiquidation,
		User:         debtor,
		Asset:        asset,
		Amount:       event.FormatAmount(debtToCover),
		HealthFactor: endRatio.String(),
		Payload: event.LiquidationPayload{
			Liquidator:       liquidator,
			Debtor:           debtor,
			Asset:            asset,
			DebtCovered:      event.FormatAmount(debtToCover),
			CollateralSeized: event.FormatAmount(seizure),
			Bonus:            event.FormatAmount(bonus),
			StartingRatio:    startRatio.String(),
			EndingRatio:      endRatio.String(),
		},
	}, debtor)

	if e.metrics != nil {
		e.metrics.Liquidations.Inc()
	}
	e.applied(op, start)
	e.log.Info().
		Str("debtor", debtor.String()).
		Str("liquidator", liquidator.String()).
		Str("asset", asset).
		Str("debt_covered", debtToCover.String()).
		Str("seized", seizure.String()).
		Msg("liquidation completed")
	return nil
}

func (e *Engine) rejectLiquidation(reason string) {
	if e.metrics != nil {
		e.metrics.LiquidationRejected.WithLabelValues(reason).Inc()
		e.metrics.OpsRejected.WithLabelValues("liquidate", reason).Inc()
	}
}
